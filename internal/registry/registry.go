// Package registry owns the live campaign agents. Every agent is reachable only through the
// registry, keyed by (user, campaign).
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/store"
	"github.com/ashureev/outreach/internal/workflow"
)

// ErrInvalidKey is returned for an empty user or campaign id.
var ErrInvalidKey = errors.New("user id and campaign id are required")

// Factory builds the agent for a campaign. It must not perform I/O.
type Factory func(key domain.TenantKey) *workflow.Agent

// Registry maps campaigns to their agents. At most one agent exists per key.
type Registry struct {
	factory  Factory
	onRemove func(domain.TenantKey)
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	agents map[domain.TenantKey]*workflow.Agent
}

// Option configures a Registry.
type Option func(*Registry)

// WithOnRemove registers a hook called after an agent was detached and closed.
func WithOnRemove(fn func(domain.TenantKey)) Option {
	return func(r *Registry) { r.onRemove = fn }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now for idle accounting.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) { r.now = fn }
}

// New creates an empty registry.
func New(factory Factory, opts ...Option) *Registry {
	r := &Registry{
		factory: factory,
		logger:  slog.Default(),
		now:     time.Now,
		agents:  make(map[domain.TenantKey]*workflow.Agent),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the campaign's agent, creating it on first use. Concurrent callers for
// the same key get the same agent.
func (r *Registry) GetOrCreate(userID, campaignID string) (*workflow.Agent, error) {
	key := domain.NewTenantKey(userID, campaignID)
	if !key.Valid() {
		return nil, ErrInvalidKey
	}

	r.mu.RLock()
	a, ok := r.agents[key]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[key]; ok {
		return a, nil
	}
	a = r.factory(key)
	r.agents[key] = a
	r.logger.Debug("Agent created", "user_id", key.UserID, "campaign_id", key.CampaignID, "agents", len(r.agents))
	return a, nil
}

// Get returns the campaign's agent without creating one.
func (r *Registry) Get(userID, campaignID string) (*workflow.Agent, bool) {
	key := domain.NewTenantKey(userID, campaignID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[key]
	return a, ok
}

// Remove detaches and closes the campaign's agent. Its timers and run stop; durable state is
// kept and a later GetOrCreate hydrates a fresh agent from it.
func (r *Registry) Remove(userID, campaignID string) bool {
	key := domain.NewTenantKey(userID, campaignID)
	a := r.detach(key, nil)
	if a == nil {
		return false
	}
	r.release(key, a)
	return true
}

// Reset discards the campaign's current session and detaches its agent.
func (r *Registry) Reset(ctx context.Context, userID, campaignID string) error {
	a, err := r.GetOrCreate(userID, campaignID)
	if err != nil {
		return err
	}
	key := a.Key()
	r.detach(key, a)
	if err := a.Reset(ctx); err != nil {
		return err
	}
	if r.onRemove != nil {
		r.onRemove(key)
	}
	return nil
}

// ResumeAll creates an agent for every active stored session and re-enters its stage.
// Timed-out campaigns stay timed out until resumed explicitly.
func (r *Registry) ResumeAll(ctx context.Context, repo store.Repository) (int, error) {
	sessions, err := repo.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	resumed := 0
	for _, s := range sessions {
		a, err := r.GetOrCreate(s.Key.UserID, s.Key.CampaignID)
		if err != nil {
			r.logger.Warn("Skipping stored session with invalid key", "session_id", s.ID, "error", err)
			continue
		}
		if err := a.Recover(ctx); err != nil {
			r.logger.Error("Failed to resume campaign",
				"user_id", s.Key.UserID,
				"campaign_id", s.Key.CampaignID,
				"error", err)
			continue
		}
		resumed++
	}
	r.logger.Info("Campaigns resumed", "resumed", resumed, "stored", len(sessions))
	return resumed, nil
}

// Len returns the number of live agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CloseAll persists and closes every agent. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[domain.TenantKey]*workflow.Agent)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Persist()
			a.Close()
		}()
	}
	wg.Wait()
	r.logger.Info("All agents closed", "count", len(agents))
}

func (r *Registry) snapshot() []*workflow.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*workflow.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// detach removes key from the map. When want is set only that exact agent is removed.
func (r *Registry) detach(key domain.TenantKey, want *workflow.Agent) *workflow.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[key]
	if !ok || (want != nil && a != want) {
		return nil
	}
	delete(r.agents, key)
	return a
}

func (r *Registry) release(key domain.TenantKey, a *workflow.Agent) {
	a.Close()
	if r.onRemove != nil {
		r.onRemove(key)
	}
	r.logger.Debug("Agent removed", "user_id", key.UserID, "campaign_id", key.CampaignID)
}
