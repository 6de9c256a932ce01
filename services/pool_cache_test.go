package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/attendancebackend/repository"
)

func TestPoolCacheScopesToClassroom(t *testing.T) {
	db := newTestDB(t)
	students := repository.NewStudentRepository(db)
	embeddings := repository.NewFaceEmbeddingRepository(db)

	classA, idsA := seedClassroom(t, students, "7A", 2)
	classB, idsB := seedClassroom(t, students, "7B", 1)
	_, err := embeddings.Put(idsA[0], "geo-v1", []float32{1, 0}, 0.9)
	require.NoError(t, err)
	_, err = embeddings.Put(idsA[1], "geo-v1", []float32{0, 1}, 0.9)
	require.NoError(t, err)
	_, err = embeddings.Put(idsB[0], "geo-v1", []float32{1, 1}, 0.9)
	require.NoError(t, err)
	_, err = embeddings.Put(idsB[0], "mfn-new-f32", []float32{1, 0, 0}, 0.9)
	require.NoError(t, err)

	pools := NewPoolCache(embeddings, students, time.Minute)

	all, err := pools.Pool("geo-v1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := pools.Pool("geo-v1", &classA)
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	assert.Equal(t, idsA[0], scoped[0].IdentityID)
	assert.Equal(t, idsA[1], scoped[1].IdentityID)

	other, err := pools.Pool("mfn-new-f32", &classB)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "mfn-new-f32", other[0].Embeddings[0].ModelVersion)

	empty := uint(999)
	none, err := pools.Pool("geo-v1", &empty)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPoolCacheInvalidate(t *testing.T) {
	db := newTestDB(t)
	students := repository.NewStudentRepository(db)
	embeddings := repository.NewFaceEmbeddingRepository(db)
	_, ids := seedClassroom(t, students, "7A", 2)

	_, err := embeddings.Put(ids[0], "geo-v1", []float32{1, 0}, 0.9)
	require.NoError(t, err)

	pools := NewPoolCache(embeddings, students, time.Minute)
	first, err := pools.Pool("geo-v1", nil)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = embeddings.Put(ids[1], "geo-v1", []float32{0, 1}, 0.9)
	require.NoError(t, err)

	cached, err := pools.Pool("geo-v1", nil)
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	pools.Invalidate()
	fresh, err := pools.Pool("geo-v1", nil)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}

func TestPoolCacheDisabled(t *testing.T) {
	db := newTestDB(t)
	students := repository.NewStudentRepository(db)
	embeddings := repository.NewFaceEmbeddingRepository(db)
	_, ids := seedClassroom(t, students, "7A", 2)

	pools := NewPoolCache(embeddings, students, 0)
	_, err := embeddings.Put(ids[0], "geo-v1", []float32{1, 0}, 0.9)
	require.NoError(t, err)
	got, err := pools.Pool("geo-v1", nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = embeddings.Put(ids[1], "geo-v1", []float32{0, 1}, 0.9)
	require.NoError(t, err)
	got, err = pools.Pool("geo-v1", nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
