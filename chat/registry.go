package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/keepsakebot/keepsake/config"
	"github.com/keepsakebot/keepsake/llm"
	"github.com/keepsakebot/keepsake/memory"
)

// NudgeFunc delivers a system-initiated message to a user. The transport
// supplies it; the registry calls it from nudge timer tasks.
type NudgeFunc func(user, text string)

// Deps are the shared collaborators every session is built from.
type Deps struct {
	Config   *config.Store
	Facts    memory.Store
	Embedder memory.Embedder
	Model    llm.CompletionModel
	Cache    *ristretto.Cache
	Logger   *slog.Logger

	// Notify delivers proactive nudges. Nil disables them regardless of
	// configuration.
	Notify NudgeFunc
}

// Session is one user's engine plus the cancel handle of that user's
// outstanding nudge timer, if any.
type Session struct {
	Engine *Engine

	cancelNudge context.CancelFunc
}

// Registry is the per-user session table and the single point of
// contention: different users' sessions are handled concurrently, while
// each user's engine serializes its own turns.
type Registry struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session table.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the user's session, building a fresh one from the
// latest configuration snapshot when none exists. An existing session is
// returned unchanged; config edits are observed at creation time only.
func (r *Registry) GetOrCreate(ctx context.Context, user, userName string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[user]
	r.mu.RUnlock()
	if ok {
		return sess, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[user]; ok {
		return sess, nil
	}

	sess, err := r.build(ctx, user, userName)
	if err != nil {
		return nil, err
	}
	r.sessions[user] = sess
	return sess, nil
}

// Clear discards the user's session and constructs a new one in its place,
// cancelling any in-flight nudge timer first.
func (r *Registry) Clear(ctx context.Context, user, userName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[user]; ok {
		if old.cancelNudge != nil {
			old.cancelNudge()
		}
		delete(r.sessions, user)
	}

	sess, err := r.build(ctx, user, userName)
	if err != nil {
		return nil, err
	}
	r.sessions[user] = sess

	r.deps.Logger.Info("session cleared", "user", user)
	return sess, nil
}

func (r *Registry) build(ctx context.Context, user, userName string) (*Session, error) {
	cfg := r.deps.Config.Snapshot()

	pipeline, err := memory.NewPipeline(
		r.deps.Facts, r.deps.Embedder, r.deps.Model,
		user, userName, cfg.Prompt.BotName,
		memory.WithCache(r.deps.Cache),
		memory.WithLogger(r.deps.Logger),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "build pipeline for %s", user)
	}
	if err := pipeline.HealthCheck(ctx); err != nil {
		return nil, errors.Wrapf(err, "memory health check for %s", user)
	}

	r.deps.Logger.Info("session created", "user", user)
	return &Session{
		Engine: NewEngine(cfg, user, pipeline, r.deps.Model, r.deps.Logger),
	}, nil
}

// ScheduleNudge arms (or re-arms) the user's idle timer. When the timer
// fires before being cancelled, the engine produces a nudge and Notify
// delivers it. Any previously armed timer for the user is cancelled first.
func (r *Registry) ScheduleNudge(ctx context.Context, user string) {
	cfg := r.deps.Config.Snapshot()
	if !cfg.Freewill.Enabled || r.deps.Notify == nil {
		return
	}

	r.mu.Lock()
	sess, ok := r.sessions[user]
	if !ok {
		r.mu.Unlock()
		return
	}
	if sess.cancelNudge != nil {
		sess.cancelNudge()
	}
	nudgeCtx, cancel := context.WithCancel(ctx)
	sess.cancelNudge = cancel
	r.mu.Unlock()

	delay := time.Duration(cfg.Freewill.IdleMinutes) * time.Minute

	go func() {
		defer cancel()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-nudgeCtx.Done():
			return
		case <-timer.C:
		}

		text, err := sess.Engine.Nudge(nudgeCtx)
		if err != nil {
			if errors.Is(err, ErrEmptyContext) {
				return
			}
			r.deps.Logger.Error("nudge failed", "user", user, "error", err)
			return
		}
		r.deps.Notify(user, text)
	}()
}

// Shutdown cancels every nudge timer, drains every session's branch store
// into long-term summaries, and returns each user's drained slot ids so the
// transport can disable their stale navigation controls.
func (r *Registry) Shutdown(ctx context.Context) map[string][]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		outMu sync.Mutex
		out   = make(map[string][]uint64)
	)

	g, gctx := errgroup.WithContext(ctx)
	for user, sess := range r.sessions {
		if sess.cancelNudge != nil {
			sess.cancelNudge()
		}
		g.Go(func() error {
			ids := sess.Engine.Shutdown(gctx)
			outMu.Lock()
			out[user] = ids
			outMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.sessions = make(map[string]*Session)
	return out
}
