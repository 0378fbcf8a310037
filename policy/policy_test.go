package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_Validation(t *testing.T) {
	// A registry without a default policy is a configuration error.
	_, err := NewRegistry(
		Policy{Classification: "auth", MaxRequests: 10, Window: time.Minute},
	)
	require.ErrorIs(t, err, ErrNoDefaultPolicy)

	// Empty classification.
	_, err = NewRegistry(
		Policy{Classification: "", MaxRequests: 10, Window: time.Minute},
	)
	require.Error(t, err)

	// Non-positive quota.
	_, err = NewRegistry(
		Policy{Classification: DefaultClassification, MaxRequests: 0, Window: time.Minute},
	)
	require.Error(t, err)

	// Non-positive window.
	_, err = NewRegistry(
		Policy{Classification: DefaultClassification, MaxRequests: 10, Window: 0},
	)
	require.Error(t, err)

	// Duplicate classification.
	_, err = NewRegistry(
		Policy{Classification: DefaultClassification, MaxRequests: 10, Window: time.Minute},
		Policy{Classification: DefaultClassification, MaxRequests: 20, Window: time.Minute},
	)
	require.Error(t, err)
}

func TestRegistry_For(t *testing.T) {
	registry, err := NewRegistry(
		Policy{Classification: DefaultClassification, MaxRequests: 100, Window: time.Minute},
		Policy{Classification: "auth", MaxRequests: 10, Window: 5 * time.Minute},
	)
	require.NoError(t, err)

	// Exact match wins.
	p := registry.For("auth")
	assert.Equal(t, "auth", p.Classification)
	assert.Equal(t, 10, p.MaxRequests)
	assert.Equal(t, 5*time.Minute, p.Window)

	// Unknown classifications fall back to the default policy.
	p = registry.For("nonexistent")
	assert.Equal(t, DefaultClassification, p.Classification)
	assert.Equal(t, 100, p.MaxRequests)
}

func TestDefaultPolicies(t *testing.T) {
	// The built-in table must itself be a valid registry.
	registry, err := NewRegistry(DefaultPolicies()...)
	require.NoError(t, err)

	p := registry.For("auth")
	assert.Equal(t, 10, p.MaxRequests)
	assert.Equal(t, 5*time.Minute, p.Window)

	p = registry.For(DefaultClassification)
	assert.Equal(t, 100, p.MaxRequests)
	assert.Equal(t, time.Minute, p.Window)
}
