package impact

import (
	"fmt"
	"sort"
	"sync"
)

// Match is one index hit.
type Match struct {
	ID    string
	Score float64
}

// Index is a brute-force in-memory vector index. Policy corpora are small
// enough that exact search beats maintaining an ANN structure.
type Index struct {
	mu      sync.RWMutex
	vectors map[string][]float64
}

// NewIndex constructs an empty index.
func NewIndex() *Index {
	return &Index{vectors: map[string][]float64{}}
}

// Upsert stores or replaces a vector.
func (ix *Index) Upsert(id string, vec []float64) error {
	if id == "" {
		return fmt.Errorf("vector id required")
	}
	if len(vec) == 0 {
		return fmt.Errorf("empty vector for %s", id)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vectors[id] = vec
	return nil
}

// Remove drops a vector.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.vectors, id)
}

// Len reports the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

// Search returns the topK nearest entries by cosine similarity, best first.
// Ties sort by id so results are stable.
func (ix *Index) Search(query []float64, topK int) []Match {
	if topK <= 0 {
		return nil
	}
	ix.mu.RLock()
	out := make([]Match, 0, len(ix.vectors))
	for id, vec := range ix.vectors {
		out = append(out, Match{ID: id, Score: Cosine(query, vec)})
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
