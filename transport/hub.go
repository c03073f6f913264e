// Package transport exposes the engine to websocket observers: a broadcast
// channel for conversation events and per-agent thought consoles.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/parley/conversation"
)

// sendBuffer bounds the per-client queue. A client that cannot drain it is
// dropped rather than allowed to stall the turn loop.
const sendBuffer = 64

const writeTimeout = 5 * time.Second

// thoughtFrame is the wire shape of one thought-console token.
type thoughtFrame struct {
	AgentID   string    `json:"agent_id"`
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	ch     chan []byte
	closed bool
}

// Hub fans conversation events and thought tokens out to websocket
// clients. It implements the orchestrator's EventSink; delivery is
// fire-and-forget and a failed client never fails a turn.
type Hub struct {
	logger *zap.Logger

	mu          sync.Mutex
	eventSubs   map[*subscriber]struct{}
	thoughtSubs map[string]map[*subscriber]struct{}
	closed      bool
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:      logger.With(zap.String("component", "ws_hub")),
		eventSubs:   make(map[*subscriber]struct{}),
		thoughtSubs: make(map[string]map[*subscriber]struct{}),
	}
}

// Publish implements conversation.EventSink.
func (h *Hub) Publish(event conversation.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.eventSubs {
		if !h.trySend(sub, data) {
			delete(h.eventSubs, sub)
		}
	}
	return nil
}

// ThoughtSink returns the live thought-token sink fed by turn executors.
func (h *Hub) ThoughtSink() conversation.ThoughtSink {
	return func(agentID, token string) {
		data, err := json.Marshal(thoughtFrame{
			AgentID:   agentID,
			Token:     token,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		for sub := range h.thoughtSubs[agentID] {
			if !h.trySend(sub, data) {
				delete(h.thoughtSubs[agentID], sub)
			}
		}
	}
}

// trySend enqueues without blocking. A full queue marks the subscriber
// dead; its pump exits when the channel closes. Caller holds h.mu.
func (h *Hub) trySend(sub *subscriber, data []byte) bool {
	if sub.closed {
		return false
	}
	select {
	case sub.ch <- data:
		return true
	default:
		sub.closed = true
		close(sub.ch)
		h.logger.Warn("dropping slow websocket client")
		return false
	}
}

// HandleEvents upgrades the request and streams conversation events until
// the client disconnects.
func (h *Hub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	sub := &subscriber{ch: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	h.eventSubs[sub] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if _, ok := h.eventSubs[sub]; ok {
			delete(h.eventSubs, sub)
			sub.closed = true
			close(sub.ch)
		}
		h.mu.Unlock()
	}()

	h.pump(r.Context(), conn, sub)
}

// HandleThoughts streams the thought console of one agent.
func (h *Hub) HandleThoughts(agentID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket accept failed", zap.Error(err))
			return
		}

		sub := &subscriber{ch: make(chan []byte, sendBuffer)}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close(websocket.StatusGoingAway, "hub closed")
			return
		}
		if h.thoughtSubs[agentID] == nil {
			h.thoughtSubs[agentID] = make(map[*subscriber]struct{})
		}
		h.thoughtSubs[agentID][sub] = struct{}{}
		h.mu.Unlock()

		defer func() {
			h.mu.Lock()
			if _, ok := h.thoughtSubs[agentID][sub]; ok {
				delete(h.thoughtSubs[agentID], sub)
				sub.closed = true
				close(sub.ch)
			}
			h.mu.Unlock()
		}()

		h.pump(r.Context(), conn, sub)
	}
}

// pump writes queued frames to the connection until the client goes away
// or the subscriber is dropped.
func (h *Hub) pump(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Reads are discarded; this also surfaces client-side closes on ctx.
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Close drops every subscriber. New connections are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true

	for sub := range h.eventSubs {
		sub.closed = true
		close(sub.ch)
	}
	h.eventSubs = make(map[*subscriber]struct{})

	for agentID, subs := range h.thoughtSubs {
		for sub := range subs {
			sub.closed = true
			close(sub.ch)
		}
		delete(h.thoughtSubs, agentID)
	}
}
