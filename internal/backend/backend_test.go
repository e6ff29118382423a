package backend

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/meeka/internal/kv"
	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/region"
	"github.com/BTreeMap/meeka/internal/store"
)

func memoryConfigs() Configs {
	return Configs{
		models.RegionAU: {URL: "memory:", Key: "k-au"},
		models.RegionUK: {URL: "memory:", Key: "k-uk"},
		models.RegionUS: {URL: "memory:", Key: "k-us"},
	}
}

type trackingStore struct {
	*store.InMemoryStore
	mu     sync.Mutex
	closed bool
}

func (s *trackingStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *trackingStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestValidateRegions(t *testing.T) {
	require.NoError(t, ValidateRegions(memoryConfigs()))

	cfgs := memoryConfigs()
	cfgs[models.RegionUK] = RegionConfig{URL: "postgres://db/uk"}
	err := ValidateRegions(cfgs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompleteRegionConfig))
	assert.Contains(t, err.Error(), "uk")

	delete(cfgs, models.RegionUS)
	err = ValidateRegions(cfgs)
	assert.Contains(t, err.Error(), "us")
}

func TestGetClientMemoizesAndReplaces(t *testing.T) {
	ctx := context.Background()
	resolver := region.NewResolver(kv.NewMemoryStore(), region.WithTimezone("Australia/Sydney"))

	var built []*trackingStore
	factory := func(_ context.Context, cfg RegionConfig) (store.Store, error) {
		s := &trackingStore{InMemoryStore: store.NewInMemoryStore()}
		built = append(built, s)
		return s, nil
	}
	c := NewCache(resolver, memoryConfigs(), WithFactory(factory), WithRetireGrace(0))

	h1, err := c.GetClient(ctx)
	require.NoError(t, err)
	h2, err := c.GetClient(ctx)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, models.RegionAU, h1.Region)
	assert.Len(t, built, 1)

	require.NoError(t, resolver.SetPreference(ctx, models.RegionUK))
	h3, err := c.GetClient(ctx)
	require.NoError(t, err)
	assert.NotSame(t, h1, h3)
	assert.NotEqual(t, h1.ID, h3.ID)
	assert.Equal(t, models.RegionUK, h3.Region)
	assert.True(t, built[0].isClosed(), "replaced handle should be closed")
	assert.False(t, built[1].isClosed())

	require.NoError(t, c.Close())
	assert.True(t, built[1].isClosed())
	assert.Nil(t, c.Current())
}

func TestGetClientIncompleteRegionIsFatal(t *testing.T) {
	resolver := region.NewResolver(kv.NewMemoryStore(), region.WithTimezone("America/New_York"))
	cfgs := memoryConfigs()
	cfgs[models.RegionUS] = RegionConfig{URL: "memory:"}
	c := NewCache(resolver, cfgs)

	_, err := c.GetClient(context.Background())
	assert.ErrorIs(t, err, ErrIncompleteRegionConfig)
	assert.Nil(t, c.Current())
}

func TestGetClientFactoryErrorKeepsPreviousHandle(t *testing.T) {
	ctx := context.Background()
	resolver := region.NewResolver(kv.NewMemoryStore(), region.WithTimezone("Australia/Sydney"))
	fail := false
	factory := func(_ context.Context, cfg RegionConfig) (store.Store, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return store.NewInMemoryStore(), nil
	}
	c := NewCache(resolver, memoryConfigs(), WithFactory(factory))
	h1, err := c.GetClient(ctx)
	require.NoError(t, err)

	fail = true
	require.NoError(t, resolver.SetPreference(ctx, models.RegionUS))
	_, err = c.GetClient(ctx)
	require.Error(t, err)
	assert.Same(t, h1, c.Current())
}

func TestOpenStoreMemory(t *testing.T) {
	s, err := OpenStore(context.Background(), RegionConfig{URL: "memory:", Key: "x"})
	require.NoError(t, err)
	assert.IsType(t, &store.InMemoryStore{}, s)
}
