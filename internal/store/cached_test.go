package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/lamyj/dopamine/internal/cache"
	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/internal/store/storetest"
)

// countingStore counts the aggregate calls reaching the inner store.
type countingStore struct {
	*storetest.Fake
	counts    int
	distincts int
}

func (c *countingStore) Count(ctx context.Context, filter bson.M) (int64, error) {
	c.counts++
	return c.Fake.Count(ctx, filter)
}

func (c *countingStore) Distinct(ctx context.Context, field string, filter bson.M) ([]string, error) {
	c.distincts++
	return c.Fake.Distinct(ctx, field, filter)
}

func instanceDoc(sopUID, studyUID, modality string) bson.D {
	return bson.D{
		{Key: "00080018", Value: bson.D{{Key: "vr", Value: "UI"}, {Key: "Value", Value: bson.A{sopUID}}}},
		{Key: "0020000d", Value: bson.D{{Key: "vr", Value: "UI"}, {Key: "Value", Value: bson.A{studyUID}}}},
		{Key: "00080060", Value: bson.D{{Key: "vr", Value: "CS"}, {Key: "Value", Value: bson.A{modality}}}},
	}
}

func TestCachedStoreCachesAggregates(t *testing.T) {
	mem := cache.NewMemoryCache()
	defer mem.Close()

	inner := &countingStore{Fake: &storetest.Fake{}}
	inner.Docs = append(inner.Docs, instanceDoc("1.2.3", "1.2.1", "MR"), instanceDoc("1.2.4", "1.2.1", "PT"))
	cached := store.NewCachedStore(inner, mem, time.Minute)

	ctx := context.Background()
	filter := bson.M{"0020000d.Value": "1.2.1"}

	n, err := cached.Count(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = cached.Count(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, inner.counts, "second count served from cache")

	modalities, err := cached.Distinct(ctx, "00080060.Value", filter)
	require.NoError(t, err)
	assert.Equal(t, []string{"MR", "PT"}, modalities)
	_, err = cached.Distinct(ctx, "00080060.Value", filter)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.distincts)
}

func TestCachedStoreInvalidatesOnInsert(t *testing.T) {
	mem := cache.NewMemoryCache()
	defer mem.Close()

	inner := &countingStore{Fake: &storetest.Fake{}}
	inner.Docs = append(inner.Docs, instanceDoc("1.2.3", "1.2.1", "MR"))
	cached := store.NewCachedStore(inner, mem, time.Minute)

	ctx := context.Background()
	filter := bson.M{"0020000d.Value": "1.2.1"}

	n, err := cached.Count(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, cached.Insert(ctx, instanceDoc("1.2.4", "1.2.1", "MR")))

	n, err = cached.Count(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "insert invalidates the cached count")
	assert.Equal(t, 2, inner.counts)
}
