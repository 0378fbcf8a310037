package redisstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestMember_UniquePerRequest(t *testing.T) {
	now := time.Now()

	// Two requests in the same millisecond must produce distinct
	// sorted set members, or the second ZADD would overwrite the
	// first and undercount.
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		m := member(now)
		assert.False(t, seen[m], "duplicate member %q", m)
		seen[m] = true
	}
}
