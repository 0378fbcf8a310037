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
	"errors"
	"fmt"
	"time"
)

type (
	// Policy is the quota attached to one route classification:
	// at most MaxRequests admitted per rolling Window.
	Policy struct {
		Classification string        `json:"classification"`
		MaxRequests    int           `json:"max-requests"`
		Window         time.Duration `json:"window"`
	}

	// Registry maps classifications to policies. It is immutable
	// after construction and safe for unsynchronized concurrent
	// reads.
	Registry struct {
		policies map[string]Policy
	}
)

// DefaultClassification is the catch-all bucket. A Registry cannot be
// built without a policy for it.
const DefaultClassification = "default"

// ErrNoDefaultPolicy reports a registry built without a "default"
// policy. This is a startup configuration error; it never occurs on
// the request path.
var ErrNoDefaultPolicy = errors.New("policy: no policy registered for default classification")

// NewRegistry builds a Registry from the given policies. Each
// classification may appear once, every policy must carry a positive
// quota and window, and a "default" policy is mandatory.
func NewRegistry(policies ...Policy) (*Registry, error) {
	byClassification := make(map[string]Policy, len(policies))

	for _, p := range policies {
		if p.Classification == "" {
			return nil, fmt.Errorf("policy: empty classification")
		}
		if p.MaxRequests <= 0 {
			return nil, fmt.Errorf("policy: %q: max requests must be positive, got %d", p.Classification, p.MaxRequests)
		}
		if p.Window <= 0 {
			return nil, fmt.Errorf("policy: %q: window must be positive, got %s", p.Classification, p.Window)
		}
		if _, ok := byClassification[p.Classification]; ok {
			return nil, fmt.Errorf("policy: duplicate classification %q", p.Classification)
		}

		byClassification[p.Classification] = p
	}

	if _, ok := byClassification[DefaultClassification]; !ok {
		return nil, ErrNoDefaultPolicy
	}

	return &Registry{policies: byClassification}, nil
}

// For returns the policy for an exact classification match, falling
// back to the "default" policy for unknown classifications.
func (r *Registry) For(classification string) Policy {
	if p, ok := r.policies[classification]; ok {
		return p
	}

	return r.policies[DefaultClassification]
}

// DefaultPolicies returns the built-in quota table protecting the
// usual sensitive route families. Callers typically override it from
// configuration.
func DefaultPolicies() []Policy {
	return []Policy{
		{Classification: DefaultClassification, MaxRequests: 100, Window: time.Minute},
		{Classification: "auth", MaxRequests: 10, Window: 5 * time.Minute},
		{Classification: "ai", MaxRequests: 20, Window: time.Minute},
		{Classification: "payment", MaxRequests: 10, Window: time.Minute},
		{Classification: "upload", MaxRequests: 20, Window: 5 * time.Minute},
		{Classification: "admin", MaxRequests: 30, Window: time.Minute},
	}
}
