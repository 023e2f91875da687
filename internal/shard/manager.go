package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
)

const (
	retiredBuffer = 16
	// forceCloseWait bounds how long Shutdown waits for sessions after
	// force-closing their connections.
	forceCloseWait = 2 * time.Second
)

// ManagerConfig defines how a Manager runs its sessions.
type ManagerConfig struct {
	Session Config
	// IdentifyStagger is the minimum spacing between identify frames across
	// all sessions. Session i is started i*IdentifyStagger after Start.
	IdentifyStagger time.Duration
}

// Manager owns the sessions of one gateway.
type Manager struct {
	cfg     ManagerConfig
	pub     Publisher
	opts    []Option
	logger  *zap.Logger
	retired chan kephasgate.RetiredEvent

	mu       sync.Mutex
	sessions []*Session
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager creates a manager. Sessions publish their events to pub.
func NewManager(cfg ManagerConfig, pub Publisher, opts ...Option) *Manager {
	o := buildOptions(opts)
	return &Manager{
		cfg:     cfg,
		pub:     pub,
		opts:    opts,
		logger:  o.logger,
		retired: make(chan kephasgate.RetiredEvent, retiredBuffer),
	}
}

// Start creates shardCount sessions and starts them staggered by the
// identify interval. Sessions outlive ctx; stop them with Shutdown.
func (m *Manager) Start(ctx context.Context, shardCount int) error {
	if shardCount <= 0 {
		return fmt.Errorf("shard count must be positive, got %d", shardCount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New(kephasgate.ErrMsgAlreadyOpen)
	}

	limit := rate.Inf
	if m.cfg.IdentifyStagger > 0 {
		limit = rate.Every(m.cfg.IdentifyStagger)
	}
	opts := append([]Option{WithIdentifyLimiter(rate.NewLimiter(limit, 1))}, m.opts...)

	cfg := m.cfg.Session
	cfg.Count = shardCount
	m.sessions = make([]*Session, shardCount)
	for i := range m.sessions {
		m.sessions[i] = NewSession(i, cfg, m.pub, opts...)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})

	var g errgroup.Group
	for i, s := range m.sessions {
		delay := time.Duration(i) * m.cfg.IdentifyStagger
		g.Go(func() error {
			if !sleep(runCtx, delay) {
				return nil
			}
			err := s.Run(runCtx)
			if errors.Is(err, kephasgate.ErrRetired) {
				m.report(runCtx, s, err)
			}
			return err
		})
	}

	done := m.done
	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			m.logger.Debug("session group finished", zap.Error(err))
		}
	}()

	m.logger.Info("shards started", zap.Int("count", shardCount), zap.Duration("stagger", m.cfg.IdentifyStagger))
	return nil
}

func (m *Manager) report(ctx context.Context, s *Session, err error) {
	ev := kephasgate.RetiredEvent{
		Shard:    s.Index(),
		Failures: s.Failures(),
		Err:      err,
		At:       time.Now(),
	}
	m.logger.Error("shard retired", zap.Int("shard", ev.Shard), zap.Int("failures", ev.Failures), zap.Error(err))
	select {
	case m.retired <- ev:
	case <-ctx.Done():
	}
}

// Retired returns the channel on which retired shards are reported.
func (m *Manager) Retired() <-chan kephasgate.RetiredEvent {
	return m.retired
}

// Session returns session i, or nil when i is out of range.
func (m *Manager) Session(i int) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.sessions) {
		return nil
	}
	return m.sessions[i]
}

// Sessions returns every session in index order.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Session(nil), m.sessions...)
}

// Shutdown closes every connection gracefully and waits for all sessions to
// stop. When ctx expires first the remaining connections are force-closed,
// Shutdown waits up to forceCloseWait for the sessions to exit and returns
// ErrCancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		m.logger.Info("shards stopped")
		return nil
	case <-ctx.Done():
	}

	for _, s := range m.Sessions() {
		s.forceClose()
	}
	m.logger.Warn("shutdown deadline exceeded, connections force-closed")
	select {
	case <-done:
	case <-time.After(forceCloseWait):
		m.logger.Error("shards still running after force close", zap.Duration("waited", forceCloseWait))
	}
	return fmt.Errorf("%w: shutdown: %v", kephasgate.ErrCancelled, ctx.Err())
}

// Done is closed once every session has stopped.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
