// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/store"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultMaxQueue     = 1024
	DefaultWriteTimeout = 10 * time.Second
)

// ChunkSource serves persisted chunks for subscribe-time replay.
// *sequencer.Sequencer implements it.
type ChunkSource interface {
	GetSince(ctx context.Context, sessionID string, after int64) ([]store.Chunk, error)
}

// Config configures a Router.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// Replay answers subscribe requests carrying "since". Nil
	// disables replay.
	Replay ChunkSource

	// MaxQueue is the outbound queue length at which a client is
	// disconnected.
	MaxQueue int

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// OriginPatterns lists the cross-origin hosts ServeHTTP accepts.
	// Same-origin requests are always accepted.
	OriginPatterns []string
}

// Router is safe for concurrent use.
type Router struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	nextID atomic.Uint64

	mu            sync.RWMutex
	clients       map[*Client]struct{}
	subscriptions map[string]map[*Client]struct{}
}

// New returns an empty Router.
func New(config Config) *Router {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.MaxQueue <= 0 {
		config.MaxQueue = DefaultMaxQueue
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	return &Router{
		config:        config,
		clock:         config.Clock,
		logger:        config.Logger,
		clients:       make(map[*Client]struct{}),
		subscriptions: make(map[string]map[*Client]struct{}),
	}
}

// Register adds a connection. binary selects CBOR frames.
func (r *Router) Register(conn Conn, binary bool) *Client {
	defaultInterval, _ := FlushInterval(QualityGood, TrendStable)
	client := &Client{
		id:            r.nextID.Add(1),
		router:        r,
		conn:          conn,
		binary:        binary,
		clock:         r.clock,
		interval:      defaultInterval,
		subscriptions: make(map[string]struct{}),
	}
	r.mu.Lock()
	r.clients[client] = struct{}{}
	count := len(r.clients)
	r.mu.Unlock()
	r.logger.Info("client connected", "client", client.id, "binary", binary, "clients", count)
	return client
}

// Unregister removes a client and closes its connection normally.
func (r *Router) Unregister(client *Client) {
	r.drop(client, websocket.StatusNormalClosure, "")
}

func (r *Router) drop(client *Client, code websocket.StatusCode, reason string) {
	r.mu.Lock()
	_, present := r.clients[client]
	delete(r.clients, client)
	for key := range client.subscriptions {
		r.removeSubscriptionLocked(key, client)
	}
	count := len(r.clients)
	r.mu.Unlock()

	if !client.markClosed() {
		return
	}
	if err := client.conn.Close(code, reason); err != nil {
		r.logger.Debug("closing client connection", "client", client.id, "error", err)
	}
	if present {
		r.logger.Info("client disconnected", "client", client.id, "code", int(code), "reason", reason, "clients", count)
	}
}

func (r *Router) removeSubscriptionLocked(key string, client *Client) {
	delete(client.subscriptions, key)
	if members := r.subscriptions[key]; members != nil {
		delete(members, client)
		if len(members) == 0 {
			delete(r.subscriptions, key)
		}
	}
}

// ClientCount returns the number of connected clients.
func (r *Router) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Publish queues event on every client that should receive it.
func (r *Router) Publish(event Event) {
	item := newEnvelope(event)
	for _, client := range r.targets(event) {
		client.enqueue(item)
	}
}

// PublishChunks publishes persisted chunks as streaming_progress
// events. It is the sequencer's OnPersisted sink.
func (r *Router) PublishChunks(chunks []store.Chunk) {
	for _, chunk := range chunks {
		r.Publish(ChunkEvent(chunk))
	}
}

func (r *Router) targets(event Event) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if broadcastTypes[event.Type] {
		clients := make([]*Client, 0, len(r.clients))
		for client := range r.clients {
			clients = append(clients, client)
		}
		return clients
	}

	seen := make(map[*Client]struct{})
	var clients []*Client
	collect := func(key string) {
		for client := range r.subscriptions[key] {
			if _, ok := seen[client]; !ok {
				seen[client] = struct{}{}
				clients = append(clients, client)
			}
		}
	}
	if event.SessionID != "" {
		collect(event.SessionID)
	}
	if event.ConversationID != "" {
		collect(ConversationKey(event.ConversationID))
	}
	return clients
}

// Inbound is a message from a client.
type Inbound struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	// Since requests replay of the session's chunks with a greater
	// sequence. Use -1 for the whole session.
	Since *int64 `json:"since,omitempty"`

	Quality Quality `json:"quality,omitempty"`
	Trend   string  `json:"trend,omitempty"`
}

// Handle processes one inbound message.
func (r *Router) Handle(ctx context.Context, client *Client, message Inbound) {
	switch message.Type {
	case "subscribe":
		r.subscribe(ctx, client, message)
	case "unsubscribe":
		r.mu.Lock()
		for _, key := range subscriptionKeys(message) {
			r.removeSubscriptionLocked(key, client)
		}
		r.mu.Unlock()
	case "ping":
		client.enqueue(newEnvelope(Event{Type: TypePong}))
		client.flush(ctx)
	case "latency_report":
		interval, ok := FlushInterval(message.Quality, message.Trend)
		if !ok {
			r.logger.Debug("ignoring latency report with unknown quality", "client", client.id, "quality", string(message.Quality))
			return
		}
		client.setInterval(interval)
	default:
		r.logger.Debug("ignoring unknown client message", "client", client.id, "type", message.Type)
	}
}

func subscriptionKeys(message Inbound) []string {
	var keys []string
	if message.SessionID != "" {
		keys = append(keys, message.SessionID)
	}
	if message.ConversationID != "" {
		keys = append(keys, ConversationKey(message.ConversationID))
	}
	return keys
}

func (r *Router) subscribe(ctx context.Context, client *Client, message Inbound) {
	keys := subscriptionKeys(message)
	if len(keys) == 0 {
		r.logger.Debug("ignoring subscribe without a key", "client", client.id)
		return
	}
	replay := message.Since != nil && message.SessionID != "" && r.config.Replay != nil
	if replay {
		// Park live events before the subscription becomes visible
		// so nothing published during the replay query is lost or
		// reordered.
		client.beginReplay()
	}

	r.mu.Lock()
	if _, connected := r.clients[client]; connected {
		for _, key := range keys {
			members := r.subscriptions[key]
			if members == nil {
				members = make(map[*Client]struct{})
				r.subscriptions[key] = members
			}
			members[client] = struct{}{}
			client.subscriptions[key] = struct{}{}
		}
	}
	r.mu.Unlock()

	if !replay {
		return
	}
	after := *message.Since
	chunks, err := r.config.Replay.GetSince(ctx, message.SessionID, after)
	if err != nil {
		r.logger.Warn("replay query failed", "client", client.id, "session_id", message.SessionID, "error", err)
	}
	replayed := make([]*envelope, len(chunks))
	last := after
	for i, chunk := range chunks {
		replayed[i] = newEnvelope(ChunkEvent(chunk))
		last = max(last, chunk.Sequence)
	}
	client.endReplay(replayed, message.SessionID, last)
	r.logger.Debug("replayed session history",
		"client", client.id,
		"session_id", message.SessionID,
		"since", after,
		"chunks", len(chunks),
	)
}
