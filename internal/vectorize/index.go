// Package vectorize implements an in-memory vector index with exact
// nearest-neighbour search.
package vectorize

import (
	"context"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/cryguy/worker/v3/internal/core"
)

// MaxIDBytes is the longest accepted vector ID.
const MaxIDBytes = 64

// MaxBatchVectors caps the vectors of a single insert or upsert.
const MaxBatchVectors = 1000

// Index is a VectorizeIndex kept in memory.
type Index struct {
	dims   int
	metric core.VectorizeMetric

	mu      sync.RWMutex
	vectors map[string]core.VectorizeVector
}

var _ core.VectorizeIndex = (*Index)(nil)

// New creates an empty index. An empty metric means cosine.
func New(dims int, metric core.VectorizeMetric) (*Index, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dims)
	}
	switch metric {
	case "":
		metric = core.MetricCosine
	case core.MetricCosine, core.MetricEuclidean, core.MetricDotProduct:
	default:
		return nil, fmt.Errorf("unknown vectorize metric %q", metric)
	}
	return &Index{dims: dims, metric: metric, vectors: make(map[string]core.VectorizeVector)}, nil
}

func (x *Index) Describe(context.Context) (*core.VectorizeIndexInfo, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return &core.VectorizeIndexInfo{Dimensions: x.dims, Metric: x.metric, VectorCount: len(x.vectors)}, nil
}

func (x *Index) validate(vectors []core.VectorizeVector) error {
	if len(vectors) > MaxBatchVectors {
		return fmt.Errorf("%w: %d vectors (max %d)", core.ErrBatchTooLarge, len(vectors), MaxBatchVectors)
	}
	seen := make(map[string]bool, len(vectors))
	for _, v := range vectors {
		if v.ID == "" || len(v.ID) > MaxIDBytes {
			return fmt.Errorf("%w: vector id must be 1-%d bytes", core.ErrInvalidKey, MaxIDBytes)
		}
		if seen[v.ID] {
			return fmt.Errorf("%w: %q appears twice in one batch", core.ErrDuplicateID, v.ID)
		}
		seen[v.ID] = true
		if len(v.Values) != x.dims {
			return fmt.Errorf("%w: vector %q has %d dimensions, index has %d", core.ErrDimensionMismatch, v.ID, len(v.Values), x.dims)
		}
	}
	return nil
}

// Insert adds vectors. It fails without changes if any ID already exists.
func (x *Index) Insert(_ context.Context, vectors []core.VectorizeVector) (*core.VectorizeMutation, error) {
	if err := x.validate(vectors); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, v := range vectors {
		if _, ok := x.vectors[v.ID]; ok {
			return nil, fmt.Errorf("%w: %q", core.ErrDuplicateID, v.ID)
		}
	}
	return x.store(vectors), nil
}

// Upsert adds vectors, replacing any with the same ID.
func (x *Index) Upsert(_ context.Context, vectors []core.VectorizeVector) (*core.VectorizeMutation, error) {
	if err := x.validate(vectors); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.store(vectors), nil
}

func (x *Index) store(vectors []core.VectorizeVector) *core.VectorizeMutation {
	ids := make([]string, 0, len(vectors))
	for _, v := range vectors {
		x.vectors[v.ID] = clone(v)
		ids = append(ids, v.ID)
	}
	return &core.VectorizeMutation{IDs: ids, Count: len(ids)}
}

func clone(v core.VectorizeVector) core.VectorizeVector {
	v.Values = slices.Clone(v.Values)
	if v.Metadata != nil {
		v.Metadata = maps.Clone(v.Metadata)
	}
	return v
}

// Query returns the TopK closest vectors. Cosine and dot-product scores are
// sorted descending, euclidean distances ascending.
func (x *Index) Query(_ context.Context, vector []float32, opts core.VectorizeQueryOptions) (*core.VectorizeMatches, error) {
	if len(vector) != x.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", core.ErrDimensionMismatch, len(vector), x.dims)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = core.DefaultVectorizeTopK
	}
	if topK > core.MaxVectorizeTopK {
		return nil, fmt.Errorf("topK must be at most %d, got %d", core.MaxVectorizeTopK, topK)
	}

	x.mu.RLock()
	matches := make([]core.VectorizeMatch, 0, len(x.vectors))
	for _, v := range x.vectors {
		if opts.Namespace != "" && v.Namespace != opts.Namespace {
			continue
		}
		if !matchFilter(v.Metadata, opts.Filter) {
			continue
		}
		m := core.VectorizeMatch{ID: v.ID, Score: x.score(vector, v.Values)}
		if opts.ReturnValues {
			m.Values = slices.Clone(v.Values)
		}
		if opts.ReturnMetadata && v.Metadata != nil {
			m.Metadata = maps.Clone(v.Metadata)
		}
		matches = append(matches, m)
	}
	x.mu.RUnlock()

	ascending := x.metric == core.MetricEuclidean
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			if ascending {
				return matches[i].Score < matches[j].Score
			}
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return &core.VectorizeMatches{Matches: matches, Count: len(matches)}, nil
}

func (x *Index) score(a, b []float32) float64 {
	switch x.metric {
	case core.MetricEuclidean:
		return euclidean(a, b)
	case core.MetricDotProduct:
		return dot(a, b)
	default:
		return cosine(a, b)
	}
}

// GetByIDs returns the stored vectors in the order requested, skipping
// unknown IDs.
func (x *Index) GetByIDs(_ context.Context, ids []string) ([]core.VectorizeVector, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]core.VectorizeVector, 0, len(ids))
	for _, id := range ids {
		if v, ok := x.vectors[id]; ok {
			out = append(out, clone(v))
		}
	}
	return out, nil
}

func (x *Index) DeleteByIDs(_ context.Context, ids []string) (*core.VectorizeMutation, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := x.vectors[id]; ok {
			delete(x.vectors, id)
			deleted = append(deleted, id)
		}
	}
	return &core.VectorizeMutation{IDs: deleted, Count: len(deleted)}, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosine(a, b []float32) float64 {
	var d, na, nb float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return d / (math.Sqrt(na) * math.Sqrt(nb))
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// matchFilter reports whether meta satisfies every filter field. A field is
// either a value compared for equality or an operator map using $eq, $ne,
// $in or $nin.
func matchFilter(meta, filter map[string]any) bool {
	for field, cond := range filter {
		val, present := meta[field]
		ops, isOps := cond.(map[string]any)
		if !isOps {
			if !present || !equal(val, cond) {
				return false
			}
			continue
		}
		for op, arg := range ops {
			switch op {
			case "$eq":
				if !present || !equal(val, arg) {
					return false
				}
			case "$ne":
				if present && equal(val, arg) {
					return false
				}
			case "$in":
				if !present || !contains(arg, val) {
					return false
				}
			case "$nin":
				if present && contains(arg, val) {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

func contains(list, v any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equal(item, v) {
			return true
		}
	}
	return false
}

// equal compares metadata values, treating all numeric types alike.
func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
