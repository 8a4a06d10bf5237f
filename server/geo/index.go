// Package geo keeps the latest reported position per key and answers radius
// queries over them.
//
// Queries are a linear scan over all shards. That is fine for the fleet sizes
// this service targets; a cell-based index would be the next step past that.
package geo

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type Point struct {
	Key       string
	Latitude  float64
	Longitude float64
	Online    bool
	UpdatedAt time.Time
}

type Hit struct {
	Point
	DistanceKm float64
}

// Index is safe for concurrent use. Writers for different keys only contend
// when their keys hash to the same shard.
type Index struct {
	shards [shardCount]shard
}

type shard struct {
	mu     sync.RWMutex
	points map[string]Point
}

func NewIndex() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i].points = make(map[string]Point)
	}
	return idx
}

// Put stores p, replacing any earlier point under the same key.
func (idx *Index) Put(p Point) {
	s := idx.shardFor(p.Key)
	s.mu.Lock()
	s.points[p.Key] = p
	s.mu.Unlock()
}

func (idx *Index) Get(key string) (Point, bool) {
	s := idx.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.points[key]
	return p, ok
}

func (idx *Index) Len() int {
	total := 0
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		total += len(s.points)
		s.mu.RUnlock()
	}
	return total
}

// Within returns every point accepted by keep whose distance to
// (lat, lon) is at most radiusKm. A nil keep accepts all points.
func (idx *Index) Within(lat, lon, radiusKm float64, keep func(Point) bool) []Hit {
	hits := []Hit{}

	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		for _, p := range s.points {
			if keep != nil && !keep(p) {
				continue
			}

			d := Distance(lat, lon, p.Latitude, p.Longitude)
			if d <= radiusKm {
				hits = append(hits, Hit{Point: p, DistanceKm: d})
			}
		}
		s.mu.RUnlock()
	}

	return hits
}

func (idx *Index) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &idx.shards[h.Sum32()%shardCount]
}
