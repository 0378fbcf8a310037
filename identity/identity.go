// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package identity derives a stable caller identifier from an inbound
// HTTP request. An authenticated user id wins over the network
// address; resolution never fails, so every request maps to some
// counting bucket even when the caller cannot be identified.
package identity

import (
	"net"
	"net/http"
	"strings"
)

type (
	// Scheme tags how an identity value was obtained.
	Scheme string

	// Identity is the resolved caller key used to partition rate
	// limit counters. It is only ever used to derive storage keys
	// and is never persisted beyond the counting window.
	Identity struct {
		Scheme Scheme
		Value  string
	}
)

const (
	// SchemeUser marks identities derived from an authenticated
	// principal id.
	SchemeUser Scheme = "user"

	// SchemeAddress marks identities derived from the network
	// source address.
	SchemeAddress Scheme = "address"

	// UnknownValue is the sentinel used when neither a forwarded
	// address nor a peer address is obtainable.
	UnknownValue = "unknown"
)

// Resolve derives the caller identity for r. A non-empty userID takes
// precedence; otherwise the first hop of the X-Forwarded-For chain is
// used, then the transport peer address, then the "unknown" sentinel.
func Resolve(r *http.Request, userID string) Identity {
	if userID = strings.TrimSpace(userID); userID != "" {
		return Identity{Scheme: SchemeUser, Value: userID}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// The first entry is the original client; later hops are
		// intermediate proxies.
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return Identity{Scheme: SchemeAddress, Value: first}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return Identity{Scheme: SchemeAddress, Value: host}
	}
	if addr := strings.TrimSpace(r.RemoteAddr); addr != "" {
		return Identity{Scheme: SchemeAddress, Value: addr}
	}

	return Identity{Scheme: SchemeAddress, Value: UnknownValue}
}

// String renders the identity as "scheme:value".
func (id Identity) String() string {
	return string(id.Scheme) + ":" + id.Value
}
