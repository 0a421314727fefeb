// Package batch runs compliance decisions over request slices with bounded
// parallelism, preserving input order in the results.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/engine"
	"github.com/promptgate/promptgate/pkg/observability/logging"
	"github.com/promptgate/promptgate/pkg/observability/metrics"
	"github.com/promptgate/promptgate/pkg/types"
)

// inlineThreshold is the batch size below which spinning up workers costs
// more than it saves.
const inlineThreshold = 4

// maxChunkSize caps the work handed to one worker in a single claim.
const maxChunkSize = 50

// Executor fans a batch out over a bounded worker pool. Chunked claiming
// keeps per-item coordination overhead low while still balancing uneven
// per-item latency across workers.
type Executor struct {
	engine  *engine.Engine
	workers int
	maxSize int
}

// New builds an executor over the given engine.
func New(e *engine.Engine, cfg config.BatchConfig) *Executor {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Executor{engine: e, workers: workers, maxSize: cfg.MaxBatchSize}
}

// chunkSize balances coordination overhead against load balance: roughly two
// claims per worker, capped, and never below one.
func (x *Executor) chunkSize(n int) int {
	size := n / (2 * x.workers)
	if size < 1 {
		size = 1
	}
	if size > maxChunkSize {
		size = maxChunkSize
	}
	return size
}

// DecideBatch evaluates every request and returns decisions at the original
// indices. Per-item failures never abort the batch: an invalid or panicking
// item produces a fail-closed block decision in its slot.
func (x *Executor) DecideBatch(ctx context.Context, reqs []*types.ComplianceRequest) ([]*types.Decision, error) {
	n := len(reqs)
	if n == 0 {
		return nil, nil
	}
	if x.maxSize > 0 && n > x.maxSize {
		return nil, fmt.Errorf("batch of %d exceeds maximum size %d", n, x.maxSize)
	}
	metrics.BatchSize.Observe(float64(n))

	out := make([]*types.Decision, n)

	if n <= inlineThreshold {
		for i, req := range reqs {
			out[i] = x.decideOne(ctx, req)
		}
		return out, nil
	}

	chunk := x.chunkSize(n)
	next := make(chan int)
	go func() {
		defer close(next)
		for i := 0; i < n; i += chunk {
			select {
			case next <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < x.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for start := range next {
				end := start + chunk
				if end > n {
					end = n
				}
				for i := start; i < end; i++ {
					out[i] = x.decideOne(ctx, reqs[i])
				}
			}
		}()
	}
	wg.Wait()

	// Slots the dispatcher never reached (context cancelled) fail closed.
	for i := range out {
		if out[i] == nil {
			out[i] = failClosed(x.engine.Config(), "batch cancelled before item was evaluated")
		}
	}
	return out, nil
}

// decideOne isolates a single item: request errors and panics become
// fail-closed decisions instead of propagating.
func (x *Executor) decideOne(ctx context.Context, req *types.ComplianceRequest) (d *types.Decision) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("Batch item panicked: %v", r)
			d = failClosed(x.engine.Config(), fmt.Sprintf("internal error: %v", r))
		}
	}()

	d, err := x.engine.Decide(ctx, req)
	if err != nil {
		d = failClosed(x.engine.Config(), err.Error())
	}
	return d
}

func failClosed(cfg *config.Config, reason string) *types.Decision {
	return &types.Decision{
		Action:            types.ActionBlock,
		OverallScore:      1.0,
		Reasoning:         reason,
		Timestamp:         time.Now(),
		ConfigFingerprint: cfg.Fingerprint(),
	}
}
