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

package ratelimit

import (
	"context"
	"errors"
	"time"

	"go.gearno.de/throttle/identity"
)

type (
	// Store is the shared counting backend. Implementations keep a
	// per-key ordered log of request timestamps with a TTL equal to
	// the window.
	//
	// AddAndCount must, in one atomic operation: drop entries older
	// than now-window, record now, reset the key expiry to window,
	// and return the resulting entry count together with the oldest
	// surviving timestamp in epoch milliseconds. Atomicity is what
	// keeps two concurrent requests for one identity from both
	// observing a stale count and slipping past the limit.
	Store interface {
		AddAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (count int64, oldest int64, err error)
	}
)

// ErrStoreUnavailable marks a Store failure caused by the backend
// being unreachable or timing out. Backends wrap transport errors
// with it so the degradation path can branch with errors.Is instead
// of matching error strings.
var ErrStoreUnavailable = errors.New("ratelimit: counter store unavailable")

// WindowKey derives the counting bucket key for a classification and
// caller identity: "classification:scheme:value". Keys are created on
// demand and expire through the store TTL; nothing deletes them
// explicitly.
func WindowKey(classification string, id identity.Identity) string {
	return classification + ":" + id.String()
}
