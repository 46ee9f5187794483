package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/metrics"
)

// maxStoredTurns bounds the history kept per session; History truncates
// further to the caller's window.
const maxStoredTurns = 200

// Manager handles session persistence with a Redis backend and a local
// read cache.
type Manager struct {
	client      *redis.Client
	logger      *zap.Logger
	ttl         time.Duration
	mu          sync.RWMutex
	localCache  map[string]*Session
	cacheAccess map[string]time.Time
	maxSessions int
}

// NewManager creates a session manager and verifies Redis connectivity.
func NewManager(addr, password string, ttl time.Duration, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 720 * time.Hour
	}

	return &Manager{
		client:      client,
		logger:      logger,
		ttl:         ttl,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
		maxSessions: 10000,
	}, nil
}

// Upsert resolves the session for a key, creating it on first use. Two
// calls with identical keys always land on the same session; creation races
// are settled with SetNX so concurrent first messages converge.
func (m *Manager) Upsert(ctx context.Context, key Key) (*Session, error) {
	storageKey := key.storageKey()

	if sess := m.cached(storageKey); sess != nil {
		return sess, nil
	}

	sess, err := m.load(ctx, storageKey)
	if err != nil && err != ErrSessionNotFound {
		return nil, err
	}
	if sess != nil {
		m.cache(storageKey, sess)
		return sess, nil
	}

	now := time.Now()
	sess = &Session{
		ID:                uuid.New().String(),
		Key:               key,
		CreatedAt:         now,
		LastInteractionAt: now,
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := m.client.SetNX(ctx, storageKey, data, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if !created {
		// Lost the creation race; the winner's session is authoritative.
		sess, err = m.load(ctx, storageKey)
		if err != nil {
			return nil, err
		}
		m.cache(storageKey, sess)
		return sess, nil
	}

	m.cache(storageKey, sess)
	metrics.SessionsCreated.Inc()
	m.logger.Info("created session",
		zap.String("session_id", sess.ID),
		zap.String("tenant_id", key.TenantID.String()),
		zap.String("instance_id", key.InstanceID.String()),
		zap.String("channel", key.Channel),
	)
	return sess, nil
}

// AppendTurn appends one immutable history entry and bumps the interaction
// time. Last-writer-wins on the session blob is acceptable here; history is
// append-mostly and the audit trail lives in the execution log.
func (m *Manager) AppendTurn(ctx context.Context, key Key, kind, content string, metadata map[string]interface{}) error {
	sess, err := m.Upsert(ctx, key)
	if err != nil {
		return err
	}

	sess.History = append(sess.History, Turn{
		ID:        uuid.New().String(),
		Kind:      kind,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
	if len(sess.History) > maxStoredTurns {
		sess.History = sess.History[len(sess.History)-maxStoredTurns:]
	}
	sess.LastInteractionAt = time.Now()

	return m.save(ctx, key.storageKey(), sess)
}

// History returns the most recent limit turns in chronological order. This
// window is the only context replayed to the model.
func (m *Manager) History(ctx context.Context, key Key, limit int) ([]Turn, error) {
	sess, err := m.Upsert(ctx, key)
	if err != nil {
		return nil, err
	}
	return sess.RecentHistory(limit), nil
}

// Touch updates the interaction timestamp without appending history.
func (m *Manager) Touch(ctx context.Context, key Key) error {
	sess, err := m.Upsert(ctx, key)
	if err != nil {
		return err
	}
	sess.LastInteractionAt = time.Now()
	return m.save(ctx, key.storageKey(), sess)
}

// Ping verifies Redis connectivity, used by the health endpoint.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the session manager.
func (m *Manager) Close() error {
	return m.client.Close()
}

// Private methods

func (m *Manager) load(ctx context.Context, storageKey string) (*Session, error) {
	data, err := m.client.Get(ctx, storageKey).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return &sess, nil
}

func (m *Manager) save(ctx context.Context, storageKey string, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.client.Set(ctx, storageKey, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	m.cache(storageKey, sess)
	return nil
}

func (m *Manager) cached(storageKey string) *Session {
	m.mu.RLock()
	sess, ok := m.localCache[storageKey]
	m.mu.RUnlock()
	if !ok {
		metrics.SessionCacheMisses.Inc()
		return nil
	}
	metrics.SessionCacheHits.Inc()
	m.mu.Lock()
	m.cacheAccess[storageKey] = time.Now()
	m.mu.Unlock()
	return sess
}

func (m *Manager) cache(storageKey string, sess *Session) {
	m.mu.Lock()
	m.localCache[storageKey] = sess
	m.cacheAccess[storageKey] = time.Now()
	m.evictLocked()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()
}

// evictLocked drops the least recently used half once the cache overflows.
func (m *Manager) evictLocked() {
	if len(m.localCache) <= m.maxSessions {
		return
	}

	type accessEntry struct {
		key  string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(m.localCache))
	for k := range m.localCache {
		at, ok := m.cacheAccess[k]
		if !ok {
			at = time.Time{}
		}
		entries = append(entries, accessEntry{key: k, time: at})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}

	toRemove := m.maxSessions / 2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.localCache, entries[i].key)
		delete(m.cacheAccess, entries[i].key)
		metrics.SessionCacheEvictions.Inc()
	}
}
