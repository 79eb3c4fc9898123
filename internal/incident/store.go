package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/cache"
	"github.com/sentinelstack/sentinel-heal/internal/models"
)

// Store persists incident snapshots so a restart does not lose lifecycle
// state. Save overwrites by id.
type Store interface {
	Save(inc *models.Incident) error
	Load(id string) (*models.Incident, error)
	List() ([]models.Incident, error)
	Delete(id string) error
}

// ErrNotFound signals an unknown incident id.
var ErrNotFound = errors.New("incident not found")

// MemoryStore is the default, process-local Store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Save(inc *models.Incident) error {
	raw, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[inc.ID] = raw
	return nil
}

func (s *MemoryStore) Load(id string) (*models.Incident, error) {
	s.mu.Lock()
	raw, ok := s.data[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var inc models.Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return nil, fmt.Errorf("decode incident: %w", err)
	}
	return &inc, nil
}

func (s *MemoryStore) List() ([]models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Incident, 0, len(s.data))
	for _, raw := range s.data {
		var inc models.Incident
		if err := json.Unmarshal(raw, &inc); err != nil {
			return nil, fmt.Errorf("decode incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// CacheStore persists incident snapshots in a cache.Provider (Valkey in
// production). Besides one key per incident it maintains a JSON id index so
// List works without server-side scans.
type CacheStore struct {
	mu       sync.Mutex
	provider cache.Provider
	ttl      time.Duration
	timeout  time.Duration
}

const (
	incidentKeyPrefix = "sentinel:incident:"
	incidentIndexKey  = "sentinel:incident:index"
)

// NewCacheStore wraps a cache provider. A zero ttl keeps snapshots for 24h;
// opTimeout bounds each cache round trip and defaults to two seconds.
func NewCacheStore(provider cache.Provider, ttl, opTimeout time.Duration) *CacheStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &CacheStore{provider: provider, ttl: ttl, timeout: opTimeout}
}

func (s *CacheStore) Save(inc *models.Incident) error {
	raw, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.provider.Set(ctx, incidentKeyPrefix+inc.ID, raw, s.ttl); err != nil {
		return fmt.Errorf("store incident %s: %w", inc.ID, err)
	}
	return s.addToIndexLocked(ctx, inc.ID)
}

func (s *CacheStore) Load(id string) (*models.Incident, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	raw, err := s.provider.Get(ctx, incidentKeyPrefix+id)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", id, err)
	}

	var inc models.Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", id, err)
	}
	return &inc, nil
}

func (s *CacheStore) List() ([]models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	ids, err := s.indexLocked(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.Incident, 0, len(ids))
	kept := ids[:0]
	for _, id := range ids {
		raw, err := s.provider.Get(ctx, incidentKeyPrefix+id)
		if errors.Is(err, cache.ErrCacheMiss) {
			// Snapshot expired; drop it from the index.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load incident %s: %w", id, err)
		}
		var inc models.Incident
		if err := json.Unmarshal(raw, &inc); err != nil {
			return nil, fmt.Errorf("decode incident %s: %w", id, err)
		}
		out = append(out, inc)
		kept = append(kept, id)
	}

	if len(kept) != len(ids) {
		if err := s.writeIndexLocked(ctx, kept); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *CacheStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.provider.Del(ctx, incidentKeyPrefix+id); err != nil {
		return fmt.Errorf("delete incident %s: %w", id, err)
	}

	ids, err := s.indexLocked(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	return s.writeIndexLocked(ctx, kept)
}

func (s *CacheStore) addToIndexLocked(ctx context.Context, id string) error {
	ids, err := s.indexLocked(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return s.writeIndexLocked(ctx, append(ids, id))
}

func (s *CacheStore) indexLocked(ctx context.Context) ([]string, error) {
	raw, err := s.provider.Get(ctx, incidentIndexKey)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load incident index: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode incident index: %w", err)
	}
	return ids, nil
}

func (s *CacheStore) writeIndexLocked(ctx context.Context, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode incident index: %w", err)
	}
	// The index outlives individual snapshots; expired ids are pruned on
	// List.
	if err := s.provider.Set(ctx, incidentIndexKey, raw, 0); err != nil {
		return fmt.Errorf("store incident index: %w", err)
	}
	return nil
}
