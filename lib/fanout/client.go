// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bureau-foundation/conductor/lib/clock"
)

// Quality is a client's self-reported connection tier.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityBad       Quality = "bad"
)

// tiers is ordered fastest first.
var tiers = []struct {
	quality  Quality
	interval time.Duration
}{
	{QualityExcellent, 16 * time.Millisecond},
	{QualityGood, 32 * time.Millisecond},
	{QualityFair, 50 * time.Millisecond},
	{QualityPoor, 100 * time.Millisecond},
	{QualityBad, 200 * time.Millisecond},
}

// Trends reported alongside a quality.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
)

// FlushInterval returns the batching interval for a quality and
// trend. ok is false for an unknown quality.
func FlushInterval(quality Quality, trend string) (interval time.Duration, ok bool) {
	for i, tier := range tiers {
		if tier.quality != quality {
			continue
		}
		interval = tier.interval
		switch {
		case trend == TrendRising && i+1 < len(tiers):
			interval += (tiers[i+1].interval - interval) / 2
		case trend == TrendFalling && i > 0:
			interval -= (interval - tiers[i-1].interval) / 2
		}
		return interval, true
	}
	return 0, false
}

// Conn is the write side of a client connection. *websocket.Conn
// implements it.
type Conn interface {
	Write(ctx context.Context, messageType websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Client is one connected real-time client.
type Client struct {
	id     uint64
	router *Router
	conn   Conn
	binary bool
	clock  clock.Clock

	// writeMu serializes frame writes. It is acquired before mu.
	writeMu sync.Mutex

	mu       sync.Mutex
	queue    []*envelope
	timer    *clock.Timer
	interval time.Duration
	closed   bool

	// While replaying is non-zero, live events are parked in held so
	// replayed history is queued ahead of them.
	replaying int
	held      []*envelope

	// subscriptions is guarded by router.mu.
	subscriptions map[string]struct{}
}

// ID identifies the client in logs.
func (c *Client) ID() uint64 { return c.id }

// Interval returns the current flush interval.
func (c *Client) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// enqueue adds an event to the outbound queue and arms the flush
// timer. It never blocks on the connection.
func (c *Client) enqueue(item *envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.replaying > 0 {
		c.held = append(c.held, item)
	} else {
		c.queue = append(c.queue, item)
		c.armLocked()
	}
	overflow := len(c.queue)+len(c.held) > c.router.config.MaxQueue
	c.mu.Unlock()

	if overflow {
		c.router.logger.Warn("client queue overflow, disconnecting",
			"client", c.id,
			"max_queue", c.router.config.MaxQueue,
		)
		c.router.drop(c, websocket.StatusPolicyViolation, "outbound queue overflow")
	}
}

func (c *Client) armLocked() {
	if c.timer == nil && len(c.queue) > 0 {
		c.timer = c.clock.AfterFunc(c.interval, c.flushTimer)
	}
}

func (c *Client) flushTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), c.router.config.WriteTimeout)
	defer cancel()
	c.flush(ctx)
}

// beginReplay starts parking live events.
func (c *Client) beginReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying++
}

// endReplay queues replayed history and then the parked live events.
// A parked streaming_progress event of sessionID at or below
// lastSequence duplicates replayed history and is dropped.
func (c *Client) endReplay(replayed []*envelope, sessionID string, lastSequence int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying--
	if c.closed {
		return
	}
	c.queue = append(c.queue, replayed...)
	if c.replaying > 0 {
		return
	}
	for _, item := range c.held {
		if item.sequence >= 0 && item.sequence <= lastSequence && item.event.SessionID == sessionID {
			continue
		}
		c.queue = append(c.queue, item)
	}
	c.held = nil
	c.armLocked()
}

// setInterval changes the flush interval. It applies from the next
// armed timer.
func (c *Client) setInterval(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = interval
}

// flush writes the queue as one frame.
func (c *Client) flush(ctx context.Context) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if closed || len(batch) == 0 {
		return
	}

	frame, skipped, err := encodeFrame(batch, c.binary)
	for _, item := range skipped {
		c.router.logger.Error("dropping unencodable event", "client", c.id, "type", item.event.Type)
	}
	if err != nil {
		c.router.logger.Error("encoding frame", "client", c.id, "events", len(batch), "error", err)
		return
	}
	if frame == nil {
		return
	}
	messageType := websocket.MessageText
	if c.binary {
		messageType = websocket.MessageBinary
	}
	if err := c.conn.Write(ctx, messageType, frame); err != nil {
		c.router.logger.Info("client write failed, disconnecting", "client", c.id, "error", err)
		c.router.drop(c, websocket.StatusGoingAway, "write failed")
	}
}

// markClosed reports whether this call closed the client.
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.queue = nil
	c.held = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return true
}
