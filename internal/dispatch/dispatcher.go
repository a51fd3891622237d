// Package dispatch decodes inbound chat events and routes them to rooms,
// the registry and the message store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"campuschat/internal/metrics"
	"campuschat/internal/room"
	"campuschat/internal/session"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// Options tunes the dispatcher. Zero values fall back to permissive defaults.
type Options struct {
	MaxMessageLength   int
	RateLimitPerSecond float64
	RateLimitBurst     int
	Metrics            *metrics.Collector
	Logger             *slog.Logger
}

// Dispatcher routes events for every connection. Each connection calls it from
// its own read goroutine; shared state lives in the registry, the router and
// the per-room sequencer.
type Dispatcher struct {
	registry  *session.Registry
	rooms     *room.Router
	sequencer *room.Sequencer
	store     interfaces.MessageStore
	directory interfaces.IdentityDirectory
	limiter   *RateLimiter
	metrics   *metrics.Collector
	logger    *slog.Logger
	maxLength int
}

// NewDispatcher wires a dispatcher over shared presence and room state.
func NewDispatcher(
	registry *session.Registry,
	rooms *room.Router,
	store interfaces.MessageStore,
	directory interfaces.IdentityDirectory,
	opts Options,
) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		rooms:     rooms,
		sequencer: room.NewSequencer(),
		store:     store,
		directory: directory,
		limiter:   NewRateLimiter(opts.RateLimitPerSecond, opts.RateLimitBurst),
		metrics:   opts.Metrics,
		logger:    logger.With("component", "dispatch"),
		maxLength: opts.MaxMessageLength,
	}
}

// Dispatch handles one raw frame from conn.
func (d *Dispatcher) Dispatch(ctx context.Context, conn interfaces.Connection, frame []byte) error {
	if conn.Identity() == nil {
		d.metrics.EventDropped(metrics.DropUnauthenticated)
		return ErrUnauthenticated
	}

	var env types.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		d.metrics.EventDropped(metrics.DropInvalidPayload)
		return ErrMalformedFrame
	}

	if !d.limiter.Allow(conn.Identity().Username) {
		d.metrics.EventDropped(metrics.DropRateLimited)
		return ErrRateLimitExceeded
	}

	switch env.Event {
	case types.EventJoinPrivateChat:
		var payload types.JoinPrivateChatRequest
		if err := d.decode(env.Data, &payload); err != nil {
			return err
		}
		return d.JoinPrivate(ctx, conn, payload.RecipientUsername)

	case types.EventPrivateMessage:
		var payload types.PrivateMessageRequest
		if err := d.decode(env.Data, &payload); err != nil {
			return err
		}
		return d.SendPrivate(ctx, conn, payload.RecipientUsername, payload.Message)

	case types.EventMarkMessagesAsRead:
		var payload types.MarkMessagesAsReadRequest
		if err := d.decode(env.Data, &payload); err != nil {
			return err
		}
		return d.MarkRead(ctx, conn, payload.SenderUsername)

	case types.EventNewMessage:
		var payload types.NewMessageRequest
		if err := d.decode(env.Data, &payload); err != nil {
			return err
		}
		return d.SendBroadcast(ctx, conn, payload.Message)

	case types.EventTypingStart, types.EventTypingStop:
		var payload types.TypingRequest
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := d.decode(env.Data, &payload); err != nil {
				return err
			}
		}
		return d.Typing(ctx, conn, env.Event == types.EventTypingStart, payload.Room)

	default:
		d.metrics.EventDropped(metrics.DropUnknownEvent)
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func (d *Dispatcher) decode(data json.RawMessage, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		d.metrics.EventDropped(metrics.DropInvalidPayload)
		return fmt.Errorf("%w: %v", types.ErrInvalidPayload, err)
	}
	if err := types.ValidatePayload(into); err != nil {
		d.metrics.EventDropped(metrics.DropInvalidPayload)
		return err
	}
	return nil
}

// JoinPrivate delivers the pair's history to conn alone, then joins conn to the
// room. Both happen while holding the room's turn, so a concurrent send either
// lands in the history or is delivered live afterwards.
func (d *Dispatcher) JoinPrivate(ctx context.Context, conn interfaces.Connection, recipientUsername string) error {
	me := conn.Identity()
	recipient, err := d.resolve(ctx, recipientUsername)
	if err != nil {
		return err
	}

	key := room.KeyFor(me.ID, recipient.ID)
	unlock := d.sequencer.Lock(key)
	defer unlock()

	messages, err := d.store.QueryBetween(ctx, me.ID, recipient.ID)
	if err != nil {
		d.metrics.StoreError("query_between")
		return fmt.Errorf("%w: history for %s: %v", ErrStoreFailure, key, err)
	}

	authors := map[int64]*types.Identity{me.ID: me, recipient.ID: recipient}
	history := lo.Map(messages, func(m *types.ChatMessage, _ int) types.PrivateMessagePayload {
		author := authors[m.SenderID]
		if author == nil {
			author = &types.Identity{}
		}
		return types.PrivateMessagePayload{
			Username:       author.Username,
			ProfilePicture: author.ProfilePicture,
			Text:           m.Body,
			Timestamp:      m.CreatedAt,
		}
	})

	d.deliver(conn, types.NewEnvelope(types.EventPrivateMessageHistory, types.PrivateMessageHistoryPayload{
		History: history,
		Room:    key.String(),
	}))

	if err := d.joinLive(conn, key); err != nil {
		return err
	}
	d.logger.Debug("joined private chat", "username", me.Username, "room", key, "history", len(history))
	return nil
}

// SendPrivate persists the message, then delivers it to every member of the
// pair's room after joining the sender and all of the recipient's connections.
// Persist and emit share the room's turn so live order equals commit order.
func (d *Dispatcher) SendPrivate(ctx context.Context, conn interfaces.Connection, recipientUsername, text string) error {
	me := conn.Identity()
	body, err := types.NormalizeText(text, d.maxLength)
	if err != nil {
		d.metrics.EventDropped(metrics.DropInvalidPayload)
		return err
	}

	recipient, err := d.resolve(ctx, recipientUsername)
	if err != nil {
		return err
	}

	key := room.KeyFor(me.ID, recipient.ID)
	unlock := d.sequencer.Lock(key)
	defer unlock()

	message, err := d.store.InsertMessage(ctx, me.ID, recipient.ID, body)
	if err != nil {
		d.metrics.StoreError("insert")
		return fmt.Errorf("%w: insert into %s: %v", ErrStoreFailure, key, err)
	}

	if err := d.joinLive(conn, key); err != nil {
		return err
	}
	recipientConns := d.registry.ConnectionsFor(recipient.Username)
	for _, rc := range recipientConns {
		if err := d.joinLive(rc, key); err != nil {
			return err
		}
	}

	live := types.NewEnvelope(types.EventNewPrivateMessage, types.PrivateMessagePayload{
		Username:       me.Username,
		ProfilePicture: me.ProfilePicture,
		Text:           message.Body,
		Timestamp:      message.CreatedAt,
	})
	for _, member := range d.rooms.Members(key) {
		d.deliver(member, live)
	}

	notice := types.NewEnvelope(types.EventUnreadMessageNotification, types.UnreadNotificationPayload{Sender: me.Username})
	for _, rc := range recipientConns {
		d.deliver(rc, notice)
	}

	d.metrics.MessageRouted(metrics.KindPrivate)
	return nil
}

// MarkRead flips the read flag on everything senderUsername sent to conn's identity.
func (d *Dispatcher) MarkRead(ctx context.Context, conn interfaces.Connection, senderUsername string) error {
	me := conn.Identity()
	sender, err := d.resolve(ctx, senderUsername)
	if err != nil {
		return err
	}

	changed, err := d.store.MarkRead(ctx, me.ID, sender.ID)
	if err != nil {
		d.metrics.StoreError("mark_read")
		return fmt.Errorf("%w: mark read: %v", ErrStoreFailure, err)
	}
	d.logger.Debug("messages marked read", "recipient", me.Username, "sender", sender.Username, "count", changed)
	return nil
}

// SendBroadcast emits an ephemeral lobby message to every registered connection.
func (d *Dispatcher) SendBroadcast(ctx context.Context, conn interfaces.Connection, text string) error {
	me := conn.Identity()
	body, err := types.NormalizeText(text, d.maxLength)
	if err != nil {
		d.metrics.EventDropped(metrics.DropInvalidPayload)
		return err
	}

	env := types.NewEnvelope(types.EventChatMessage, types.ChatMessagePayload{
		Username:       me.Username,
		ProfilePicture: me.ProfilePicture,
		Text:           body,
	})
	for _, target := range d.registry.All() {
		d.deliver(target, env)
	}

	d.metrics.MessageRouted(metrics.KindBroadcast)
	return nil
}

// Typing fans a typing indicator out to the room's other members, or to every
// other connected client when no room is given. Connections of the typing
// identity never receive it.
func (d *Dispatcher) Typing(ctx context.Context, conn interfaces.Connection, start bool, roomName string) error {
	me := conn.Identity()
	event := types.EventUserTypingStop
	if start {
		event = types.EventUserTypingStart
	}

	var targets []interfaces.Connection
	if roomName != "" {
		key, err := room.ParseKey(roomName)
		if err != nil {
			d.metrics.EventDropped(metrics.DropInvalidPayload)
			return fmt.Errorf("%w: %q", ErrInvalidRoom, roomName)
		}
		if !d.rooms.IsMember(conn, key) {
			d.metrics.EventDropped(metrics.DropNotMember)
			return ErrNotRoomMember
		}
		targets = d.rooms.Members(key)
	} else {
		targets = d.registry.All()
	}

	env := types.NewEnvelope(event, types.TypingPayload{Username: me.Username})
	for _, target := range targets {
		if other := target.Identity(); other != nil && other.Username == me.Username {
			continue
		}
		d.deliver(target, env)
	}

	d.metrics.MessageRouted(metrics.KindTyping)
	return nil
}

// RunCleanup evicts idle rate-limit buckets until ctx is done.
func (d *Dispatcher) RunCleanup(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := d.limiter.Cleanup(ttl); removed > 0 {
				d.logger.Debug("evicted idle rate limiters", "count", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) resolve(ctx context.Context, username string) (*types.Identity, error) {
	identity, err := d.directory.LookupByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, interfaces.ErrIdentityNotFound) {
			d.metrics.EventDropped(metrics.DropUnknownUser)
			return nil, fmt.Errorf("%w: %q", ErrRecipientNotFound, username)
		}
		d.metrics.StoreError("lookup")
		return nil, fmt.Errorf("%w: lookup %q: %v", ErrStoreFailure, username, err)
	}
	return identity, nil
}

// joinLive joins conn to key and backs the join out if conn was closed or
// unregistered meanwhile. The hub unregisters before LeaveAll, so a join that
// lands after LeaveAll always observes the missing token here.
func (d *Dispatcher) joinLive(conn interfaces.Connection, key room.Key) error {
	if _, err := d.rooms.Join(conn, key); err != nil {
		return err
	}
	if conn.Context().Err() != nil || !d.registry.Owns(conn) {
		d.rooms.Leave(conn, key)
	}
	return nil
}

// deliver is best-effort: a closed connection is already leaving every room.
func (d *Dispatcher) deliver(conn interfaces.Connection, env types.OutboundEnvelope) {
	if err := conn.WriteJSON(env); err != nil {
		d.logger.Debug("delivery failed", "conn", conn.ID(), "event", env.Event, "error", err)
	}
}
