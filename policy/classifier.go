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

package policy

import (
	"sort"
	"strings"
)

type (
	// Route binds a path prefix to a classification.
	Route struct {
		Prefix         string `json:"prefix"`
		Classification string `json:"classification"`
	}

	// Classifier maps a request path to a classification by
	// longest-prefix match. Immutable after construction; a given
	// path always classifies identically.
	Classifier struct {
		routes []Route
	}
)

// NewClassifier builds a Classifier from the given routes. Routes are
// ordered longest prefix first so that the most specific rule wins.
func NewClassifier(routes ...Route) *Classifier {
	ordered := make([]Route, len(routes))
	copy(ordered, routes)

	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Prefix) > len(ordered[j].Prefix)
	})

	return &Classifier{routes: ordered}
}

// Classify returns the classification of the first (longest) route
// prefix matching path, or "default" when no route matches.
func (c *Classifier) Classify(path string) string {
	for _, route := range c.routes {
		if strings.HasPrefix(path, route.Prefix) {
			return route.Classification
		}
	}

	return DefaultClassification
}

// DefaultRoutes returns the built-in path table matching the policy
// classifications of DefaultPolicies.
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "/api/auth", Classification: "auth"},
		{Prefix: "/api/ai", Classification: "ai"},
		{Prefix: "/api/payment", Classification: "payment"},
		{Prefix: "/api/upload", Classification: "upload"},
		{Prefix: "/api/admin", Classification: "admin"},
	}
}
