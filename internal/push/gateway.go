// SPDX-License-Identifier: MIT

// Package push fans session state out to WebSocket observers. Each
// instance serves only its own sockets; cross-instance delivery rides the
// hot store's pub/sub channels, so an observer sees every update no
// matter which instance performed the write.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tempoforge/turnsync/internal/metrics"
	"github.com/tempoforge/turnsync/internal/session"
	"github.com/tempoforge/turnsync/internal/store"
)

// Message types on the observer socket.
const (
	TypeConnected      = "CONNECTED"
	TypeStateUpdate    = "STATE_UPDATE"
	TypeStateSync      = "STATE_SYNC"
	TypeSessionDeleted = "SESSION_DELETED"
	TypePing           = "PING"
	TypePong           = "PONG"
	TypeReconnect      = "RECONNECT"
	TypeError          = "ERROR"
)

// Message is the observer wire format. Timestamp is the server clock in
// Unix milliseconds, stamped on every outbound message so clients can
// reconcile drift without a separate time call.
type Message struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	Timestamp int64            `json:"timestamp"`
	State     *session.Session `json:"state,omitempty"`
	Message   string           `json:"message,omitempty"`
}

const (
	// sendBuffer bounds the per-observer outbound queue. A client that
	// cannot keep up is disconnected rather than allowed to stall the
	// fan-out; it recovers by reconnecting and resyncing.
	sendBuffer = 32
	// writeTimeout bounds a single socket write.
	writeTimeout = 5 * time.Second
	// heartbeatMisses is how many consecutive failed pings close a socket.
	heartbeatMisses = 2
)

// Gateway owns this instance's observer sockets and bridges them to the
// store's update channels.
type Gateway struct {
	store     *store.Store
	heartbeat time.Duration
	logger    zerolog.Logger

	mu        sync.RWMutex
	observers map[string]map[*observer]bool

	stopsMu sync.Mutex
	stops   []func() error
}

type observer struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	out       chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a gateway over the given store.
func New(st *store.Store, heartbeat time.Duration, logger zerolog.Logger) *Gateway {
	return &Gateway{
		store:     st,
		heartbeat: heartbeat,
		logger:    logger,
		observers: make(map[string]map[*observer]bool),
	}
}

// Start subscribes to the store's update and push channels. Must be
// called before observers connect.
func (g *Gateway) Start(ctx context.Context) error {
	stopUpdates, err := g.store.SubscribeUpdates(ctx, g.onUpdate)
	if err != nil {
		return err
	}
	stopPush, err := g.store.SubscribePush(ctx, g.onPush)
	if err != nil {
		_ = stopUpdates()
		return err
	}

	g.stopsMu.Lock()
	g.stops = append(g.stops, stopUpdates, stopPush)
	g.stopsMu.Unlock()
	return nil
}

// Close stops the bridges and disconnects every observer.
func (g *Gateway) Close() {
	g.stopsMu.Lock()
	stops := g.stops
	g.stops = nil
	g.stopsMu.Unlock()
	for _, stop := range stops {
		_ = stop()
	}

	g.mu.Lock()
	var all []*observer
	for _, set := range g.observers {
		for obs := range set {
			all = append(all, obs)
		}
	}
	g.mu.Unlock()
	for _, obs := range all {
		g.drop(obs, websocket.StatusGoingAway, "server shutting down")
	}
}

// HandleWS upgrades the request and serves the observer until the socket
// closes. The session must exist at connect time; the initial state rides
// along so the client never starts blind.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId query parameter is required", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "sessionId must be a valid UUID", http.StatusBadRequest)
		return
	}

	st, err := g.store.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy is enforced upstream
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	obs := &observer{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		out:       make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}

	g.register(obs)
	defer g.unregister(obs)

	g.send(obs, Message{Type: TypeConnected, SessionID: sessionID})
	g.send(obs, Message{Type: TypeStateSync, SessionID: sessionID, State: st})

	go g.writeLoop(obs)
	go g.heartbeatLoop(obs)

	g.readLoop(obs)
}

// ObserverCount returns the number of sockets on this instance.
func (g *Gateway) ObserverCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, set := range g.observers {
		n += len(set)
	}
	return n
}

func (g *Gateway) register(obs *observer) {
	g.mu.Lock()
	set, ok := g.observers[obs.sessionID]
	if !ok {
		set = make(map[*observer]bool)
		g.observers[obs.sessionID] = set
	}
	set[obs] = true
	g.mu.Unlock()

	metrics.SetActiveObservers(g.ObserverCount())
	g.logger.Debug().
		Str("observer_id", obs.id).
		Str("session_id", obs.sessionID).
		Str("event", "push.connected").
		Msg("observer connected")
}

func (g *Gateway) unregister(obs *observer) {
	g.mu.Lock()
	if set, ok := g.observers[obs.sessionID]; ok {
		delete(set, obs)
		if len(set) == 0 {
			delete(g.observers, obs.sessionID)
		}
	}
	g.mu.Unlock()

	obs.cancel()
	obs.close(websocket.StatusNormalClosure, "")
	metrics.SetActiveObservers(g.ObserverCount())
}

func (o *observer) close(code websocket.StatusCode, reason string) {
	o.closeOnce.Do(func() { _ = o.conn.Close(code, reason) })
}

// onUpdate bridges a store update notice to this instance's observers of
// that session.
func (g *Gateway) onUpdate(id string, st *session.Session) {
	if st == nil {
		g.broadcast(id, Message{Type: TypeSessionDeleted, SessionID: id})
		// Nothing further will arrive for this session.
		g.dropSession(id, websocket.StatusNormalClosure, "session deleted")
		return
	}
	g.broadcast(id, Message{Type: TypeStateUpdate, SessionID: id, State: st})
}

// onPush forwards an opaque payload published on the per-session push
// channel family, used for out-of-band hints like timeout notifications.
func (g *Gateway) onPush(id string, payload []byte) {
	for _, obs := range g.snapshot(id) {
		g.sendRaw(obs, payload, "push")
	}
}

func (g *Gateway) broadcast(id string, msg Message) {
	observers := g.snapshot(id)
	if len(observers) == 0 {
		return
	}
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		g.logger.Error().Err(err).Str("session_id", id).Msg("failed to encode push message")
		return
	}
	for _, obs := range observers {
		g.sendRaw(obs, data, msg.Type)
	}
}

func (g *Gateway) snapshot(id string) []*observer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := g.observers[id]
	out := make([]*observer, 0, len(set))
	for obs := range set {
		out = append(out, obs)
	}
	return out
}

func (g *Gateway) send(obs *observer, msg Message) {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		g.logger.Error().Err(err).Str("observer_id", obs.id).Msg("failed to encode push message")
		return
	}
	g.sendRaw(obs, data, msg.Type)
}

// sendRaw enqueues without blocking. A full buffer means the client has
// stopped draining; it is cut loose rather than backpressuring the
// fan-out.
func (g *Gateway) sendRaw(obs *observer, data []byte, msgType string) {
	select {
	case obs.out <- data:
		metrics.IncPushSent(msgType)
	default:
		metrics.IncObserverDropped()
		g.logger.Warn().
			Str("observer_id", obs.id).
			Str("session_id", obs.sessionID).
			Str("event", "push.slow_observer").
			Msg("observer send buffer full, disconnecting")
		obs.cancel()
		obs.close(websocket.StatusPolicyViolation, "send buffer overflow")
	}
}

func (g *Gateway) writeLoop(obs *observer) {
	for {
		select {
		case <-obs.ctx.Done():
			return
		case data := <-obs.out:
			writeCtx, cancel := context.WithTimeout(obs.ctx, writeTimeout)
			err := obs.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				obs.cancel()
				return
			}
		}
	}
}

// heartbeatLoop pings on the protocol level; the read loop pumps the
// pongs. Two consecutive misses close the socket.
func (g *Gateway) heartbeatLoop(obs *observer) {
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-obs.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(obs.ctx, g.heartbeat/2)
			err := obs.conn.Ping(pingCtx)
			cancel()
			if err == nil {
				misses = 0
				continue
			}
			misses++
			if misses >= heartbeatMisses {
				g.logger.Debug().
					Str("observer_id", obs.id).
					Str("event", "push.heartbeat_timeout").
					Msg("observer missed heartbeats, disconnecting")
				obs.cancel()
				obs.close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
		}
	}
}

func (g *Gateway) readLoop(obs *observer) {
	for {
		_, data, err := obs.conn.Read(obs.ctx)
		if err != nil {
			obs.cancel()
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			g.send(obs, Message{Type: TypeError, Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case TypePing:
			g.send(obs, Message{Type: TypePong})
		case TypeReconnect:
			// The client suspects it missed updates; serve a fresh
			// snapshot instead of making it replay deltas.
			st, err := g.store.Get(obs.ctx, obs.sessionID)
			if errors.Is(err, store.ErrNotFound) {
				g.send(obs, Message{Type: TypeSessionDeleted, SessionID: obs.sessionID})
				continue
			}
			if err != nil {
				g.send(obs, Message{Type: TypeError, Message: "state unavailable"})
				continue
			}
			g.send(obs, Message{Type: TypeStateSync, SessionID: obs.sessionID, State: st})
		default:
			g.send(obs, Message{Type: TypeError, Message: "unknown message type"})
		}
	}
}

// dropSession disconnects every observer of one session.
func (g *Gateway) dropSession(id string, code websocket.StatusCode, reason string) {
	for _, obs := range g.snapshot(id) {
		// Give the writer a moment to flush the final message.
		go func(obs *observer) {
			time.Sleep(100 * time.Millisecond)
			g.drop(obs, code, reason)
		}(obs)
	}
}

func (g *Gateway) drop(obs *observer, code websocket.StatusCode, reason string) {
	obs.cancel()
	obs.close(code, reason)
}
