package services

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/camden-git/attendancebackend/repository"
)

// PoolCache snapshots candidate pools per model version and classroom so a
// burst of recognitions reads one consistent view of the store. Enrollment
// writes call Invalidate.
type PoolCache struct {
	embeddings repository.EmbeddingStore
	roster     repository.RosterSource
	cache      *cache.Cache
	enabled    bool
	generation atomic.Uint64
}

// NewPoolCache creates a cache whose snapshots live for ttl. A zero ttl disables caching.
// Expired snapshots are replaced on the next read; the key space is one entry
// per model and classroom so no janitor runs.
func NewPoolCache(embeddings repository.EmbeddingStore, roster repository.RosterSource, ttl time.Duration) *PoolCache {
	return &PoolCache{
		embeddings: embeddings,
		roster:     roster,
		cache:      cache.New(ttl, 0),
		enabled:    ttl > 0,
	}
}

type poolSnapshot struct {
	generation uint64
	pool       []Candidate
}

func poolKey(modelVersion string, classroomID *uint) string {
	if classroomID == nil {
		return modelVersion + "/*"
	}
	return fmt.Sprintf("%s/%d", modelVersion, *classroomID)
}

// Pool returns the candidates for modelVersion, restricted to the classroom's
// students when classroomID is set. The returned slice is shared and must not be modified.
func (p *PoolCache) Pool(modelVersion string, classroomID *uint) ([]Candidate, error) {
	key := poolKey(modelVersion, classroomID)
	gen := p.generation.Load()
	if p.enabled {
		if cached, ok := p.cache.Get(key); ok {
			if snap := cached.(poolSnapshot); snap.generation == gen {
				return snap.pool, nil
			}
		}
	}

	var ids []uint
	if classroomID != nil {
		var err error
		ids, err = p.roster.StudentIDs(*classroomID)
		if err != nil {
			return nil, fmt.Errorf("failed to load roster for classroom %d: %w", *classroomID, err)
		}
		if ids == nil {
			ids = []uint{}
		}
	}

	identities, err := p.embeddings.GetIdentitiesForModel(modelVersion, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate pool %s: %w", key, err)
	}
	pool := CandidatesFromStore(identities)

	if p.enabled && p.generation.Load() == gen {
		p.cache.SetDefault(key, poolSnapshot{generation: gen, pool: pool})
	}
	return pool, nil
}

// Invalidate drops every snapshot. Loads that started before the call are not cached.
func (p *PoolCache) Invalidate() {
	p.generation.Add(1)
	p.cache.Flush()
	log.Println("recognition: candidate pool cache invalidated")
}
