// Package transport exposes the chat engine over a websocket gateway. One
// connection serves one user; navigation affordances are driven by the
// can_prev/can_next flags on reply frames.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/keepsakebot/keepsake/branch"
	"github.com/keepsakebot/keepsake/chat"
)

// Frame is the wire format in both directions. Type selects which fields
// are meaningful.
type Frame struct {
	Type string `json:"type"`

	// Inbound: the sender's identity and display name.
	User string `json:"user,omitempty"`
	Name string `json:"name,omitempty"`

	// ID is the message id: the inbound message's id on "message" frames,
	// the slot id on navigation frames and on outbound replies.
	ID      uint64 `json:"id,omitempty"`
	Content string `json:"content,omitempty"`

	// Outbound reply navigation state.
	CanPrev bool `json:"can_prev,omitempty"`
	CanNext bool `json:"can_next,omitempty"`

	// Outbound error description.
	Error string `json:"error,omitempty"`

	// Outbound on "shutdown": slot ids whose controls must be disabled.
	Disable []uint64 `json:"disable,omitempty"`
}

// Inbound frame types.
const (
	FrameMessage    = "message"
	FrameRegenerate = "regenerate"
	FramePrev       = "prev"
	FrameNext       = "next"
	FrameClear      = "clear"
)

// Outbound frame types.
const (
	FrameReply    = "reply"
	FrameNudge    = "nudge"
	FrameCleared  = "cleared"
	FrameError    = "error"
	FrameShutdown = "shutdown"
)

// client is one connected user. Writes are serialized through the client
// mutex; gorilla permits a single concurrent writer per connection.
type client struct {
	conn *websocket.Conn
	user string
	name string

	mu sync.Mutex
}

func (c *client) send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

// Gateway upgrades websocket connections and routes frames to the session
// registry.
type Gateway struct {
	registry *chat.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	// nextID mints slot ids for outbound replies.
	nextID atomic.Uint64
}

// NewGateway creates the gateway over an existing registry. Wire the
// gateway's Notify method into the registry deps to deliver nudges.
func NewGateway(registry *chat.Registry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		registry: registry,
		logger:   logger,
		clients:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	g.nextID.Store(uint64(time.Now().UnixNano()))
	return g
}

// Handler returns the gateway's HTTP handler, serving websocket upgrades
// on /ws.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.serveWS)
	return mux
}

// Run serves the gateway on addr until the context is cancelled, then
// drains every session and disables stale controls before returning.
func (g *Gateway) Run(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: g.Handler()}

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()

	g.logger.Info("gateway listening", "addr", addr)

	select {
	case err := <-errc:
		return errors.Wrap(err, "gateway serve")
	case <-ctx.Done():
	}

	g.shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Notify is the registry's nudge delivery callback.
func (g *Gateway) Notify(user, text string) {
	g.mu.RLock()
	c := g.clients[user]
	g.mu.RUnlock()
	if c == nil {
		return
	}

	id := g.nextID.Add(1)

	sess, err := g.registry.GetOrCreate(context.Background(), c.user, c.name)
	if err != nil {
		g.logger.Error("nudge session lookup failed", "user", user, "error", err)
		return
	}
	reply := sess.Engine.CommitReply(id, text)

	if err := c.send(Frame{
		Type:    FrameNudge,
		ID:      reply.SlotID,
		Content: reply.Content,
		CanPrev: reply.CanPrev,
		CanNext: reply.CanNext,
	}); err != nil {
		g.logger.Warn("nudge delivery failed", "user", user, "error", err)
	}
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	g.logger.Debug("connection opened", "conn", connID, "remote", r.RemoteAddr)
	defer g.logger.Debug("connection closed", "conn", connID)

	c := &client{conn: conn}

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("connection dropped", "user", c.user, "error", err)
			}
			break
		}

		if frame.User == "" {
			_ = c.send(Frame{Type: FrameError, Error: "user is required"})
			continue
		}

		if c.user == "" {
			c.user = frame.User
			c.name = frame.Name
			g.register(c)
			defer g.unregister(c)
		}

		g.handle(r.Context(), c, frame)
	}
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	g.clients[c.user] = c
	g.mu.Unlock()
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	if g.clients[c.user] == c {
		delete(g.clients, c.user)
	}
	g.mu.Unlock()
}

func (g *Gateway) handle(ctx context.Context, c *client, frame Frame) {
	sess, err := g.registry.GetOrCreate(ctx, c.user, c.name)
	if err != nil {
		g.logger.Error("session unavailable", "user", c.user, "error", err)
		_ = c.send(Frame{Type: FrameError, Error: "session unavailable"})
		return
	}

	switch frame.Type {
	case FrameMessage:
		text, err := sess.Engine.Send(ctx, frame.ID, frame.Content)
		if err != nil {
			g.fail(c, "completion failed", err)
			return
		}
		reply := sess.Engine.CommitReply(g.nextID.Add(1), text)
		g.reply(c, reply)
		g.registry.ScheduleNudge(context.WithoutCancel(ctx), c.user)

	case FrameRegenerate:
		reply, err := sess.Engine.Regenerate(ctx)
		if err != nil {
			g.fail(c, "regenerate failed", err)
			return
		}
		g.reply(c, reply)
		g.registry.ScheduleNudge(context.WithoutCancel(ctx), c.user)

	case FramePrev:
		reply, err := sess.Engine.Prev(frame.ID)
		if err != nil {
			g.fail(c, "prev failed", err)
			return
		}
		g.reply(c, reply)

	case FrameNext:
		reply, err := sess.Engine.Next(frame.ID)
		if err != nil {
			g.fail(c, "next failed", err)
			return
		}
		g.reply(c, reply)

	case FrameClear:
		if _, err := g.registry.Clear(ctx, c.user, c.name); err != nil {
			g.fail(c, "clear failed", err)
			return
		}
		_ = c.send(Frame{Type: FrameCleared})

	default:
		_ = c.send(Frame{Type: FrameError, Error: "unknown frame type: " + frame.Type})
	}
}

func (g *Gateway) reply(c *client, reply chat.Reply) {
	_ = c.send(Frame{
		Type:    FrameReply,
		ID:      reply.SlotID,
		Content: reply.Content,
		CanPrev: reply.CanPrev,
		CanNext: reply.CanNext,
	})
}

// fail reports an operation failure. Navigation bounds travel as their
// sentinel text so the client can disable the matching control instead of
// surfacing an error.
func (g *Gateway) fail(c *client, what string, err error) {
	switch {
	case errors.Is(err, branch.ErrAtStart), errors.Is(err, branch.ErrAtEnd),
		errors.Is(err, chat.ErrNoReply), errors.Is(err, branch.ErrNotFound):
		_ = c.send(Frame{Type: FrameError, Error: err.Error()})
	default:
		g.logger.Error(what, "error", err)
		_ = c.send(Frame{Type: FrameError, Error: what})
	}
}

// shutdown drains every session and tells each connected client which slot
// ids no longer accept navigation.
func (g *Gateway) shutdown() {
	g.logger.Info("shutdown signal received, waiting for locks and draining sessions")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	drained := g.registry.Shutdown(drainCtx)

	g.mu.RLock()
	defer g.mu.RUnlock()
	for user, ids := range drained {
		c := g.clients[user]
		if c == nil {
			continue
		}
		_ = c.send(Frame{Type: FrameShutdown, Disable: ids})
	}

	g.logger.Info("graceful shutdown complete")
}
