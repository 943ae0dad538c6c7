// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package embedder

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/maestro-adk/maestro/pkg/agenterr"
)

// ServiceOptions tune the caching gateway.
type ServiceOptions struct {
	// CacheCapacity is the LRU entry count. Default 1000.
	CacheCapacity int

	// CacheTTL is the entry lifetime. Default 1h.
	CacheTTL time.Duration

	// ReportInterval is the performance report period. Zero disables the
	// background reporter.
	ReportInterval time.Duration

	// RequestTimeout bounds each provider call. Default 30s.
	RequestTimeout time.Duration

	// MaxBatchSize chunks EmbedBatch provider calls. Default 64.
	MaxBatchSize int
}

// Stats is a point-in-time snapshot of gateway performance.
type Stats struct {
	Hits       int64
	Misses     int64
	Errors     int64
	ByTaskType map[TaskType]int64
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
}

// HitRate returns the cache hit rate in [0,1], or 0 before any traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Service is the single gateway to the embedding provider. It normalizes
// input for cache keying, serves an in-process LRU, and collapses concurrent
// misses for the same key into one provider call.
type Service struct {
	inner Embedder
	opts  ServiceOptions

	cache *expirable.LRU[string, []float32]
	group singleflight.Group

	mu         sync.Mutex
	hits       int64
	misses     int64
	errors     int64
	byTaskType map[TaskType]int64
	latencies  []time.Duration // bounded ring, newest last
	latIdx     int
	latFull    bool

	stop chan struct{}
	done chan struct{}
}

const (
	latencyWindowSize  = 1024
	maxParallelBatches = 4
)

// NewService wraps an embedder with caching, deduplication and metrics.
func NewService(inner Embedder, opts ServiceOptions) *Service {
	if opts.CacheCapacity == 0 {
		opts.CacheCapacity = 1000
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxBatchSize == 0 {
		opts.MaxBatchSize = 64
	}

	s := &Service{
		inner:      inner,
		opts:       opts,
		cache:      expirable.NewLRU[string, []float32](opts.CacheCapacity, nil, opts.CacheTTL),
		byTaskType: make(map[TaskType]int64),
		latencies:  make([]time.Duration, latencyWindowSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if opts.ReportInterval > 0 {
		go s.reportLoop()
	} else {
		close(s.done)
	}
	return s
}

// normalize produces the cache-key form of a text.
func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func cacheKey(task TaskType, text string) string {
	return string(task) + "\x00" + normalize(text)
}

// Embed returns the embedding for text, from cache when possible. Concurrent
// calls with an identical key issue at most one provider request.
func (s *Service) Embed(ctx context.Context, text string, task TaskType) ([]float32, error) {
	key := cacheKey(task, text)

	if vec, ok := s.cache.Get(key); ok {
		s.count(task, true, nil, 0)
		return vec, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// A concurrent caller may have populated the cache while this
		// call waited its turn.
		if vec, ok := s.cache.Get(key); ok {
			return vec, nil
		}
		callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()

		start := time.Now()
		vec, err := s.inner.Embed(callCtx, normalize(text), task)
		elapsed := time.Since(start)
		s.count(task, false, err, elapsed)
		if err != nil {
			return nil, agenterr.Wrap(agenterr.CodeEmbedUnavailable, err, "embed %s", task)
		}
		s.cache.Add(key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch embeds many documents, serving cached entries and batching the
// rest through the provider in chunks of MaxBatchSize.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, task TaskType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []int
	for i, t := range texts {
		if vec, ok := s.cache.Get(cacheKey(task, t)); ok {
			s.count(task, true, nil, 0)
			out[i] = vec
			continue
		}
		missing = append(missing, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelBatches)
	for start := 0; start < len(missing); start += s.opts.MaxBatchSize {
		end := min(start+s.opts.MaxBatchSize, len(missing))
		chunk := missing[start:end]

		g.Go(func() error {
			normed := make([]string, len(chunk))
			for j, idx := range chunk {
				normed[j] = normalize(texts[idx])
			}

			callCtx, cancel := context.WithTimeout(gctx, s.opts.RequestTimeout)
			defer cancel()
			began := time.Now()
			vecs, err := s.inner.EmbedBatch(callCtx, normed, task)
			elapsed := time.Since(began)
			s.count(task, false, err, elapsed)
			if err != nil {
				return agenterr.Wrap(agenterr.CodeEmbedUnavailable, err, "embed batch %s", task)
			}
			// Chunks write disjoint slots of out.
			for j, idx := range chunk {
				out[idx] = vecs[j]
				s.cache.Add(cacheKey(task, texts[idx]), vecs[j])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Dimension returns the provider's vector dimension.
func (s *Service) Dimension() int { return s.inner.Dimension() }

// Model returns the provider's model name.
func (s *Service) Model() string { return s.inner.Model() }

// Close stops the reporter and releases the provider.
func (s *Service) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.inner.Close()
}

// Stats snapshots current performance counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTask := make(map[TaskType]int64, len(s.byTaskType))
	for k, v := range s.byTaskType {
		byTask[k] = v
	}

	n := s.latIdx
	if s.latFull {
		n = latencyWindowSize
	}
	sample := make([]time.Duration, n)
	copy(sample, s.latencies[:n])
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })

	st := Stats{
		Hits:       s.hits,
		Misses:     s.misses,
		Errors:     s.errors,
		ByTaskType: byTask,
	}
	if n > 0 {
		st.P50 = sample[n*50/100]
		st.P95 = sample[min(n*95/100, n-1)]
		st.P99 = sample[min(n*99/100, n-1)]
	}
	return st
}

func (s *Service) count(task TaskType, hit bool, err error, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTaskType[task]++
	if hit {
		s.hits++
		return
	}
	s.misses++
	if err != nil {
		s.errors++
		return
	}
	s.latencies[s.latIdx] = latency
	s.latIdx++
	if s.latIdx == latencyWindowSize {
		s.latIdx = 0
		s.latFull = true
	}
}

func (s *Service) reportLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			st := s.Stats()
			total := st.Hits + st.Misses
			var errRate float64
			if st.Misses > 0 {
				errRate = float64(st.Errors) / float64(st.Misses)
			}
			slog.Info("embedding performance report",
				"model", s.inner.Model(),
				"requests", total,
				"cache_hit_rate", st.HitRate(),
				"error_rate", errRate,
				"p50_ms", st.P50.Milliseconds(),
				"p95_ms", st.P95.Milliseconds(),
				"p99_ms", st.P99.Milliseconds(),
				"retrieval_query", st.ByTaskType[TaskRetrievalQuery],
				"retrieval_document", st.ByTaskType[TaskRetrievalDocument],
				"semantic_similarity", st.ByTaskType[TaskSemanticSimilarity],
			)
		}
	}
}
