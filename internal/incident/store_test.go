package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/cache"
	"github.com/sentinelstack/sentinel-heal/internal/models"
)

type fakeProvider struct {
	data map[string][]byte
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{data: make(map[string][]byte)}
}

func (f *fakeProvider) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := f.data[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (f *fakeProvider) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeProvider) Del(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeProvider) Close() error { return nil }

func TestCacheStoreRoundTrip(t *testing.T) {
	store := NewCacheStore(newFakeProvider(), 0, 0)

	inc := models.NewIncident("net split", "", models.SeverityHigh)
	if err := store.Save(inc); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(inc.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Title != "net split" {
		t.Fatalf("loaded = %+v", loaded)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != inc.ID {
		t.Fatalf("list = %+v", list)
	}
}

func TestCacheStoreLoadMissing(t *testing.T) {
	store := NewCacheStore(newFakeProvider(), 0, 0)
	if _, err := store.Load("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCacheStoreDeletePrunesIndex(t *testing.T) {
	store := NewCacheStore(newFakeProvider(), 0, 0)

	a := models.NewIncident("a", "", models.SeverityLow)
	b := models.NewIncident("b", "", models.SeverityLow)
	if err := store.Save(a); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := store.Save(b); err != nil {
		t.Fatalf("save b: %v", err)
	}

	if err := store.Delete(a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != b.ID {
		t.Fatalf("list after delete = %+v", list)
	}
}

func TestCacheStoreListPrunesExpired(t *testing.T) {
	provider := newFakeProvider()
	store := NewCacheStore(provider, 0, 0)

	inc := models.NewIncident("ephemeral", "", models.SeverityLow)
	if err := store.Save(inc); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Simulate TTL expiry of the snapshot while the index entry remains.
	delete(provider.data, incidentKeyPrefix+inc.ID)

	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("list = %+v", list)
	}
}
