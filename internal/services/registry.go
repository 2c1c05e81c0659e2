package services

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/sky-events/internal/chiplabel"
	"github.com/bobby-s-dev/sky-events/internal/metrics"
	"github.com/bobby-s-dev/sky-events/internal/normalizer"
)

const defaultMaxSessions = 256

type RegistryConfig struct {
	CacheCapacity int
	Coalesce      bool
	// MaxSessions bounds the unpinned sessions; the least recently used
	// one is closed when a new observer arrives.
	MaxSessions int
	Loader      LoaderConfig
	Locale      chiplabel.Locale
	Defaults    Settings
}

// SessionRegistry hands out one Session per observer. Each session owns
// its cache, loader and permit pools; the collaborators are shared.
type SessionRegistry struct {
	cfg     RegistryConfig
	days    DayComputer
	aspects AspectComputer
	logger  *zap.Logger
	metrics *metrics.Collectors

	mu       sync.Mutex
	sessions *lru.Cache[string, *Session]
	pinned   map[string]*Session
}

func NewSessionRegistry(cfg RegistryConfig, days DayComputer, aspects AspectComputer, logger *zap.Logger, m *metrics.Collectors) *SessionRegistry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	r := &SessionRegistry{
		cfg:     cfg,
		days:    days,
		aspects: aspects,
		logger:  logger,
		metrics: m,
		pinned:  make(map[string]*Session),
	}
	// Size is positive, so NewWithEvict cannot fail.
	r.sessions, _ = lru.NewWithEvict[string, *Session](cfg.MaxSessions, r.onEvict)
	return r
}

// onEvict runs inside Add and Remove, with r.mu held.
func (r *SessionRegistry) onEvict(id string, s *Session) {
	if r.pinned[id] == s {
		return
	}
	s.Close()
	s.loader.Cache().Forget()
	r.logger.Info("Session evicted", zap.String("session", id))
}

// Get returns the session for id, creating it from the defaults.
func (r *SessionRegistry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.pinned[id]; ok {
		return s, nil
	}
	if s, ok := r.sessions.Get(id); ok {
		return s, nil
	}

	s, err := r.create(id)
	if err != nil {
		return nil, err
	}
	r.sessions.Add(id, s)
	return s, nil
}

// Pin returns the session for id and exempts it from eviction. Sessions
// used by background jobs are pinned.
func (r *SessionRegistry) Pin(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.pinned[id]; ok {
		return s, nil
	}
	if s, ok := r.sessions.Peek(id); ok {
		r.pinned[id] = s
		r.sessions.Remove(id)
		return s, nil
	}

	s, err := r.create(id)
	if err != nil {
		return nil, err
	}
	r.pinned[id] = s
	return s, nil
}

func (r *SessionRegistry) create(id string) (*Session, error) {
	cache, err := NewDailyResultCache(r.cfg.CacheCapacity, r.days, r.cfg.Defaults.Cities, r.logger,
		WithCoalescing(r.cfg.Coalesce),
		WithCacheMetrics(r.metrics, id))
	if err != nil {
		return nil, fmt.Errorf("creating session %q: %w", id, err)
	}

	loader := NewLoader(cache, r.days, r.aspects, r.cfg.Loader, r.logger, r.metrics)
	norm := normalizer.New(r.cfg.Locale, r.logger)
	s := NewSession(id, r.cfg.Defaults, loader, norm, r.cfg.Loader.SlidingStepBudget, r.logger)

	r.logger.Info("Session created", zap.String("session", id))
	return s, nil
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions.Len() + len(r.pinned)
}

func (r *SessionRegistry) all() map[string]*Session {
	out := make(map[string]*Session, r.sessions.Len()+len(r.pinned))
	for _, id := range r.sessions.Keys() {
		if s, ok := r.sessions.Peek(id); ok {
			out[id] = s
		}
	}
	for id, s := range r.pinned {
		out[id] = s
	}
	return out
}

func (r *SessionRegistry) GetStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.all()
	caches := make(map[string]interface{}, len(sessions))
	for id, s := range sessions {
		caches[id] = s.loader.Cache().GetStats()
	}
	return map[string]interface{}{
		"sessions":     len(sessions),
		"max_sessions": r.cfg.MaxSessions,
		"caches":       caches,
	}
}

// Close cancels all in-flight work of every session.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.all() {
		s.Close()
	}
}
