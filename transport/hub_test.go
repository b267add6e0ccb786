package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHub_RegisterAndGet(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c := &Client{ID: "worker-1"}
	hub.Register(c)

	assert.Eventually(t, func() bool {
		return hub.Len() == 1
	}, time.Second, 5*time.Millisecond)

	got, ok := hub.Get("worker-1")
	assert.True(t, ok)
	assert.Equal(t, c, got)
}

func TestHub_UnregisterOnClose(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c := &Client{ID: "node-1"}
	hub.Register(c)
	assert.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	c.OnClose(c.ID)

	assert.Eventually(t, func() bool {
		return hub.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHub_Each(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	hub.Register(&Client{ID: "a"})
	hub.Register(&Client{ID: "b"})
	assert.Eventually(t, func() bool { return hub.Len() == 2 }, time.Second, 5*time.Millisecond)

	seen := make(map[string]bool)
	hub.Each(func(c *Client) { seen[c.ID] = true })
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)
}
