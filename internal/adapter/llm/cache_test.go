package llm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
)

func TestResponseCacheDisabledIsNil(t *testing.T) {
	c := NewResponseCache(config.ResponseCacheConfig{Enabled: false}, nil)
	assert.Nil(t, c)

	c.Put(userRequest("x"), &domain.ChatResponse{})
	_, ok := c.Get(userRequest("x"))
	assert.False(t, ok)
	c.Clear()
	assert.Zero(t, c.Len())
}

func TestResponseCacheKeyCoversParams(t *testing.T) {
	c := NewResponseCache(config.ResponseCacheConfig{Enabled: true}, nil)
	req := userRequest("hello")
	req.Model = "m"
	c.Put(req, &domain.ChatResponse{ID: "r1"})

	got, ok := c.Get(req)
	assert.True(t, ok)
	assert.Equal(t, "r1", got.ID)

	hotter := req
	hotter.Temperature = 0.9
	_, ok = c.Get(hotter)
	assert.False(t, ok)

	other := req
	other.Model = "m2"
	_, ok = c.Get(other)
	assert.False(t, ok)

	stamped := userRequest("hello")
	stamped.Model = "m"
	stamped.Messages[0].Timestamp = time.Now()
	_, ok = c.Get(stamped)
	assert.True(t, ok, "timestamps are not part of the key")
}

func TestResponseCacheExpiryAndEviction(t *testing.T) {
	c := NewResponseCache(config.ResponseCacheConfig{Enabled: true, TTL: time.Minute, MaxEntries: 2}, nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put(userRequest("a"), &domain.ChatResponse{ID: "a"})
	c.Put(userRequest("b"), &domain.ChatResponse{ID: "b"})
	c.Put(userRequest("c"), &domain.ChatResponse{ID: "c"})
	assert.Equal(t, 2, c.Len())

	_, ok := c.Get(userRequest("a"))
	assert.False(t, ok, "oldest entry evicted")
	_, ok = c.Get(userRequest("c"))
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(userRequest("c"))
	assert.False(t, ok, "entry expired")
}

func TestResponseCacheHitsAreIsolated(t *testing.T) {
	c := NewResponseCache(config.ResponseCacheConfig{Enabled: true}, nil)
	req := userRequest("book it")
	orig := &domain.ChatResponse{Message: domain.Message{
		Role:      domain.RoleAssistant,
		ToolCalls: []domain.ToolCall{{Name: "createCalendarEvent", Arguments: json.RawMessage(`{"title":"x"}`)}},
	}}
	c.Put(req, orig)
	orig.Message.ToolCalls[0].Name = "changed after put"

	first, ok := c.Get(req)
	require.True(t, ok)
	first.Message.ToolCalls[0].ID = "call_A"
	first.Message.ToolCalls[0].Arguments[2] = 'X'

	second, ok := c.Get(req)
	require.True(t, ok)
	assert.Empty(t, second.Message.ToolCalls[0].ID)
	assert.Equal(t, "createCalendarEvent", second.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"title":"x"}`, string(second.Message.ToolCalls[0].Arguments))
}

func TestResponseCacheReinsertAfterExpiry(t *testing.T) {
	c := NewResponseCache(config.ResponseCacheConfig{Enabled: true, TTL: time.Minute, MaxEntries: 2}, nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put(userRequest("a"), &domain.ChatResponse{ID: "a1"})
	now = now.Add(2 * time.Minute)
	_, ok := c.Get(userRequest("a"))
	require.False(t, ok)

	c.Put(userRequest("b"), &domain.ChatResponse{ID: "b"})
	c.Put(userRequest("a"), &domain.ChatResponse{ID: "a2"})
	c.Put(userRequest("c"), &domain.ChatResponse{ID: "c"})
	assert.Equal(t, 2, c.Len())

	got, ok := c.Get(userRequest("a"))
	require.True(t, ok, "the fresh entry survives eviction")
	assert.Equal(t, "a2", got.ID)
	_, ok = c.Get(userRequest("b"))
	assert.False(t, ok)
}

func TestResponseCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewResponseCache(config.ResponseCacheConfig{Enabled: true, MaxEntries: 2}, nil)
	c.Put(userRequest("a"), &domain.ChatResponse{ID: "a"})
	c.Put(userRequest("b"), &domain.ChatResponse{ID: "b"})
	_, ok := c.Get(userRequest("a"))
	require.True(t, ok)

	c.Put(userRequest("c"), &domain.ChatResponse{ID: "c"})
	_, ok = c.Get(userRequest("b"))
	assert.False(t, ok)
	_, ok = c.Get(userRequest("a"))
	assert.True(t, ok)
}
