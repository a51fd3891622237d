// Package testutil holds in-memory doubles shared by package tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"campuschat/pkg/types"
)

var ErrFakeClosed = errors.New("fake connection closed")

// FakeConnection records every envelope written to it.
type FakeConnection struct {
	id       string
	identity *types.Identity
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	frames []types.OutboundEnvelope
	closed bool
}

// NewFakeConnection returns an open connection bound to identity (nil for anonymous).
func NewFakeConnection(identity *types.Identity) *FakeConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &FakeConnection{
		id:       uuid.NewString(),
		identity: identity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *FakeConnection) ID() string                { return c.id }
func (c *FakeConnection) Identity() *types.Identity { return c.identity }
func (c *FakeConnection) Context() context.Context  { return c.ctx }

func (c *FakeConnection) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrFakeClosed
	}
	env, ok := v.(types.OutboundEnvelope)
	if !ok {
		return errors.New("unexpected frame type")
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.cancel()
	}
	return nil
}

// Frames returns a copy of everything written so far.
func (c *FakeConnection) Frames() []types.OutboundEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.OutboundEnvelope(nil), c.frames...)
}

// Events returns the event names written so far, in order.
func (c *FakeConnection) Events() []string {
	return lo.Map(c.Frames(), func(env types.OutboundEnvelope, _ int) string { return env.Event })
}

// FramesFor returns the frames carrying event.
func (c *FakeConnection) FramesFor(event string) []types.OutboundEnvelope {
	return lo.Filter(c.Frames(), func(env types.OutboundEnvelope, _ int) bool { return env.Event == event })
}

// Reset drops recorded frames.
func (c *FakeConnection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// Identity builds a test identity.
func Identity(id int64, username string) *types.Identity {
	return &types.Identity{
		ID:             id,
		Username:       username,
		DisplayName:    username,
		ProfilePicture: username + ".jpg",
	}
}
