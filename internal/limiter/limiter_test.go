package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*Adaptive, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewWithClient(c, Options{MaxInflight: 1, BaseBackoff: 30 * time.Second})
	t.Cleanup(func() { _ = a.CloseClient() })
	return a, mr
}

func TestBreakerOpenClose(t *testing.T) {
	a, _ := newTestBreaker(t)
	ctx := context.Background()

	assert.False(t, a.IsOpen(ctx, "openai", "gpt-a"))

	a.Open(ctx, "openai", "gpt-a")
	assert.True(t, a.IsOpen(ctx, "openai", "gpt-a"))
	assert.False(t, a.IsOpen(ctx, "openai", "gpt-b"))

	a.Close(ctx, "openai", "gpt-a")
	assert.False(t, a.IsOpen(ctx, "openai", "gpt-a"))
}

func TestBreakerBackoffDoubles(t *testing.T) {
	a, mr := newTestBreaker(t)
	ctx := context.Background()

	a.Open(ctx, "openai", "gpt-a")
	first := mr.TTL("cb:openai:gpt-a")
	a.Open(ctx, "openai", "gpt-a")
	second := mr.TTL("cb:openai:gpt-a")

	require.Greater(t, second, first)
	assert.Equal(t, 2*first, second)
}

func TestBreakerBackoffCapped(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewWithClient(c, Options{BaseBackoff: time.Second, MaxBackoff: 3 * time.Second})
	t.Cleanup(func() { _ = a.CloseClient() })
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		a.Open(ctx, "openai", "gpt-a")
	}
	assert.LessOrEqual(t, mr.TTL("cb:openai:gpt-a"), 3*time.Second)
}

func TestBreakerKeysAreCaseInsensitive(t *testing.T) {
	a, _ := newTestBreaker(t)
	ctx := context.Background()

	a.Open(ctx, "OpenAI", "GPT-A")
	assert.True(t, a.IsOpen(ctx, "openai", "gpt-a"))
}

func TestAllowBoundsInflight(t *testing.T) {
	a, _ := newTestBreaker(t)

	release, ok := a.Allow("openai", "gpt-a")
	require.True(t, ok)

	_, ok = a.Allow("openai", "gpt-a")
	assert.False(t, ok)

	// other pairs have their own slots
	rel2, ok := a.Allow("anthropic", "claude-a")
	assert.True(t, ok)
	rel2()

	release()
	_, ok = a.Allow("openai", "gpt-a")
	assert.True(t, ok)
}
