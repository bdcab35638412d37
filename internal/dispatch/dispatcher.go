package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hearthside-labs/tomecast/internal/assemble"
	"github.com/hearthside-labs/tomecast/internal/checkpoint"
	"github.com/hearthside-labs/tomecast/internal/chunk"
	"github.com/hearthside-labs/tomecast/internal/segcache"
	"github.com/hearthside-labs/tomecast/internal/synth"
)

// ChunkFailedError means a chunk exhausted its synthesis attempts.
type ChunkFailedError struct {
	ChunkID  string
	Attempts int
	Err      error
}

func (e *ChunkFailedError) Error() string {
	return fmt.Sprintf("chunk %s failed after %d attempts: %v", e.ChunkID, e.Attempts, e.Err)
}

func (e *ChunkFailedError) Unwrap() error { return e.Err }

// Options tunes the worker pool and retry policy.
type Options struct {
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Voice          string
	Speed          float64
}

// Dispatcher drives synthesis for a chunk plan. Chunks already done are
// replayed from the segment cache; the rest go through a bounded worker pool
// with retries. Every chunk, replayed or fresh, is delivered to the
// assembler's channel exactly once.
type Dispatcher struct {
	store       *checkpoint.Store
	cache       *segcache.Cache
	synth       synth.Synthesizer
	fingerprint string
	opts        Options
	log         *slog.Logger

	cacheHits   metric.Int64Counter
	synthesized metric.Int64Counter
	failures    metric.Int64Counter
	latency     metric.Float64Histogram
}

// New builds a dispatcher for one job.
func New(store *checkpoint.Store, cache *segcache.Cache, syn synth.Synthesizer, fingerprint string, opts Options, log *slog.Logger) *Dispatcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	d := &Dispatcher{
		store:       store,
		cache:       cache,
		synth:       syn,
		fingerprint: fingerprint,
		opts:        opts,
		log:         log.With(slog.String("component", "dispatcher")),
	}
	d.initMetrics()
	return d
}

func (d *Dispatcher) initMetrics() {
	meter := otel.Meter("github.com/hearthside-labs/tomecast/dispatch")
	var err error
	if d.cacheHits, err = meter.Int64Counter("tomecast_cache_hits_total"); err != nil {
		d.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if d.synthesized, err = meter.Int64Counter("tomecast_chunks_synthesized_total"); err != nil {
		d.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if d.failures, err = meter.Int64Counter("tomecast_chunk_failures_total"); err != nil {
		d.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if d.latency, err = meter.Float64Histogram("tomecast_synthesis_seconds"); err != nil {
		d.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
}

// Run processes every chunk in plan and closes out when finished. On error
// the remaining work is cancelled but chunks already marked done keep their
// checkpoint state, so a subsequent run picks up where this one stopped.
func (d *Dispatcher) Run(ctx context.Context, plan []chunk.Chunk, out chan<- assemble.Completed) error {
	defer close(out)

	records, err := d.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot checkpoint: %w", err)
	}
	states := make(map[string]checkpoint.ChunkRecord, len(records))
	for _, r := range records {
		states[r.ChunkID] = r
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed := make(chan chunk.Chunk)
	errs := make(chan error, d.opts.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < d.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range feed {
				if err := d.process(ctx, c, states[c.ID()], out); err != nil {
					errs <- err
					cancel()
					return
				}
			}
		}()
	}

	go func() {
		defer close(feed)
		for _, c := range plan {
			select {
			case feed <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	if err := ctx.Err(); err != nil && len(all) == 0 {
		all = append(all, err)
	}
	return errors.Join(all...)
}

func (d *Dispatcher) process(ctx context.Context, c chunk.Chunk, rec checkpoint.ChunkRecord, out chan<- assemble.Completed) error {
	id := c.ID()

	if rec.State == checkpoint.StateDone {
		seg, err := d.cache.Get(rec.AudioRef)
		if err == nil {
			d.add(ctx, d.cacheHits, 1)
			return d.deliver(ctx, out, c, seg)
		}
		if !errors.Is(err, segcache.ErrMiss) {
			return fmt.Errorf("replay chunk %s: %w", id, err)
		}
		// the audio went missing since the chunk was marked done
		d.log.Warn("cached segment missing, resynthesizing",
			slog.String("chunk", id), slog.String("ref", rec.AudioRef))
		if err := d.store.Requeue(ctx, id); err != nil {
			return fmt.Errorf("requeue chunk %s: %w", id, err)
		}
	}

	// fast path: a previous run synthesized this chunk but died before
	// recording it
	if seg, err := d.cache.Get(segcache.Ref(d.fingerprint, id)); err == nil {
		if err := d.store.MarkInFlight(ctx, id); err != nil {
			return err
		}
		if err := d.store.MarkDone(ctx, id, segcache.Ref(d.fingerprint, id)); err != nil {
			return err
		}
		d.add(ctx, d.cacheHits, 1)
		return d.deliver(ctx, out, c, seg)
	}

	seg, err := d.synthesizeWithRetry(ctx, c)
	if err != nil {
		return err
	}
	return d.deliver(ctx, out, c, seg)
}

func (d *Dispatcher) synthesizeWithRetry(ctx context.Context, c chunk.Chunk) (synth.Segment, error) {
	id := c.ID()
	attempts := 0

	operation := func() (synth.Segment, error) {
		attempts++
		if err := d.store.MarkInFlight(ctx, id); err != nil {
			return synth.Segment{}, backoff.Permanent(err)
		}

		start := time.Now()
		seg, err := d.synth.Synthesize(ctx, synth.Request{Text: c.Text, Voice: d.opts.Voice, Speed: d.opts.Speed})
		d.record(ctx, d.latency, time.Since(start).Seconds())
		if err != nil {
			d.add(ctx, d.failures, 1)
			if markErr := d.store.MarkFailed(ctx, id, err.Error()); markErr != nil {
				return synth.Segment{}, backoff.Permanent(errors.Join(err, markErr))
			}
			if ctx.Err() != nil {
				return synth.Segment{}, backoff.Permanent(ctx.Err())
			}
			d.log.Warn("synthesis attempt failed",
				slog.String("chunk", id), slog.Int("attempt", attempts), slog.String("error", err.Error()))
			return synth.Segment{}, err
		}

		ref, err := d.cache.Put(d.fingerprint, id, seg)
		if err != nil {
			return synth.Segment{}, backoff.Permanent(fmt.Errorf("cache chunk %s: %w", id, err))
		}
		if err := d.store.MarkDone(ctx, id, ref); err != nil {
			return synth.Segment{}, backoff.Permanent(err)
		}
		d.add(ctx, d.synthesized, 1)
		return seg, nil
	}

	bo := backoff.NewExponentialBackOff()
	if d.opts.InitialBackoff > 0 {
		bo.InitialInterval = d.opts.InitialBackoff
	}
	if d.opts.MaxBackoff > 0 {
		bo.MaxInterval = d.opts.MaxBackoff
	}

	seg, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(d.opts.MaxAttempts)))
	if err != nil {
		return synth.Segment{}, &ChunkFailedError{ChunkID: id, Attempts: attempts, Err: err}
	}
	return seg, nil
}

func (d *Dispatcher) deliver(ctx context.Context, out chan<- assemble.Completed, c chunk.Chunk, seg synth.Segment) error {
	select {
	case out <- assemble.Completed{Chunk: c, Segment: seg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) add(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}

func (d *Dispatcher) record(ctx context.Context, hist metric.Float64Histogram, v float64) {
	if hist != nil {
		hist.Record(ctx, v)
	}
}
