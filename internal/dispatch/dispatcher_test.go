package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hearthside-labs/tomecast/internal/assemble"
	"github.com/hearthside-labs/tomecast/internal/checkpoint"
	"github.com/hearthside-labs/tomecast/internal/chunk"
	"github.com/hearthside-labs/tomecast/internal/segcache"
	"github.com/hearthside-labs/tomecast/internal/synth"
)

const testFingerprint = "fp-test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingSynth wraps a synthesizer and counts calls per chunk text.
type countingSynth struct {
	inner synth.Synthesizer
	mu    sync.Mutex
	calls map[string]int
}

func newCountingSynth(inner synth.Synthesizer) *countingSynth {
	return &countingSynth{inner: inner, calls: make(map[string]int)}
}

func (c *countingSynth) Synthesize(ctx context.Context, req synth.Request) (synth.Segment, error) {
	c.mu.Lock()
	c.calls[req.Text]++
	c.mu.Unlock()
	return c.inner.Synthesize(ctx, req)
}

func (c *countingSynth) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

// flakySynth fails the first failures calls for every text, then succeeds.
type flakySynth struct {
	inner    synth.Synthesizer
	failures int
	mu       sync.Mutex
	seen     map[string]int
}

func (f *flakySynth) Synthesize(ctx context.Context, req synth.Request) (synth.Segment, error) {
	f.mu.Lock()
	f.seen[req.Text]++
	n := f.seen[req.Text]
	f.mu.Unlock()
	if n <= f.failures {
		return synth.Segment{}, fmt.Errorf("transient failure %d", n)
	}
	return f.inner.Synthesize(ctx, req)
}

func makePlan(texts ...string) []chunk.Chunk {
	plan := make([]chunk.Chunk, len(texts))
	for i, text := range texts {
		plan[i] = chunk.Chunk{ChapterIndex: 0, ChunkIndex: i, Seq: i, Text: text}
	}
	return plan
}

func setup(t *testing.T, plan []chunk.Chunk) (*checkpoint.Store, *segcache.Cache) {
	t.Helper()
	ctx := context.Background()

	store, err := checkpoint.Open(ctx, filepath.Join(t.TempDir(), "checkpoint.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	records := make([]checkpoint.ChunkRecord, len(plan))
	for i, c := range plan {
		records[i] = checkpoint.ChunkRecord{ChunkID: c.ID(), ChapterIndex: c.ChapterIndex, ChunkIndex: c.ChunkIndex}
	}
	job := checkpoint.Job{Fingerprint: testFingerprint, OutputPath: "out.wav"}
	if err := store.Initialize(ctx, job, nil, records); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	cache, err := segcache.New(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return store, cache
}

func defaultOpts() Options {
	return Options{
		Concurrency:    2,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Voice:          "af_heart",
		Speed:          1.0,
	}
}

func collect(t *testing.T, d *Dispatcher, plan []chunk.Chunk) ([]assemble.Completed, error) {
	t.Helper()
	out := make(chan assemble.Completed, len(plan)+1)
	err := d.Run(context.Background(), plan, out)
	var got []assemble.Completed
	for c := range out {
		got = append(got, c)
	}
	return got, err
}

func TestFreshRunSynthesizesEverything(t *testing.T) {
	plan := makePlan("First sentence.", "Second sentence.", "Third sentence.")
	store, cache := setup(t, plan)
	syn := newCountingSynth(synth.NewMockSynth(24000))

	d := New(store, cache, syn, testFingerprint, defaultOpts(), testLogger())
	got, err := collect(t, d, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("delivered %d chunks, want 3", len(got))
	}
	if syn.total() != 3 {
		t.Fatalf("synthesizer called %d times, want 3", syn.total())
	}

	counts, err := store.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[checkpoint.StateDone] != 3 {
		t.Fatalf("done count = %d, want 3", counts[checkpoint.StateDone])
	}
	for _, c := range plan {
		if !cache.Has(segcache.Ref(testFingerprint, c.ID())) {
			t.Errorf("chunk %s not cached", c.ID())
		}
	}
}

func TestDoneChunksReplayedWithoutSynthesis(t *testing.T) {
	ctx := context.Background()
	plan := makePlan("Cached text.", "Fresh text.")
	store, cache := setup(t, plan)

	// synthesize chunk 0 out of band and mark it done
	seg := synth.Segment{Samples: []int{7, 8, 9}, SampleRate: 24000}
	ref, err := cache.Put(testFingerprint, plan[0].ID(), seg)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.MarkInFlight(ctx, plan[0].ID()); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	if err := store.MarkDone(ctx, plan[0].ID(), ref); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	syn := newCountingSynth(synth.NewMockSynth(24000))
	d := New(store, cache, syn, testFingerprint, defaultOpts(), testLogger())
	got, err := collect(t, d, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("delivered %d chunks, want 2", len(got))
	}
	if syn.calls["Cached text."] != 0 {
		t.Fatalf("done chunk was resynthesized %d times", syn.calls["Cached text."])
	}
	if syn.calls["Fresh text."] != 1 {
		t.Fatalf("fresh chunk synthesized %d times, want 1", syn.calls["Fresh text."])
	}
}

func TestCacheFastPathSkipsSynthesis(t *testing.T) {
	plan := makePlan("Orphaned audio.")
	store, cache := setup(t, plan)

	// the cache holds audio but the checkpoint still says pending
	if _, err := cache.Put(testFingerprint, plan[0].ID(), synth.Segment{Samples: []int{1}, SampleRate: 24000}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	syn := newCountingSynth(synth.NewMockSynth(24000))
	d := New(store, cache, syn, testFingerprint, defaultOpts(), testLogger())
	got, err := collect(t, d, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("delivered %d chunks, want 1", len(got))
	}
	if syn.total() != 0 {
		t.Fatalf("synthesizer called %d times, want 0", syn.total())
	}

	counts, err := store.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[checkpoint.StateDone] != 1 {
		t.Fatalf("done count = %d, want 1", counts[checkpoint.StateDone])
	}
}

func TestMissingCachedAudioIsResynthesized(t *testing.T) {
	ctx := context.Background()
	plan := makePlan("Vanished audio.")
	store, cache := setup(t, plan)

	// done in the checkpoint, but the cache entry is gone
	if err := store.MarkInFlight(ctx, plan[0].ID()); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	if err := store.MarkDone(ctx, plan[0].ID(), segcache.Ref(testFingerprint, plan[0].ID())); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	syn := newCountingSynth(synth.NewMockSynth(24000))
	d := New(store, cache, syn, testFingerprint, defaultOpts(), testLogger())
	got, err := collect(t, d, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("delivered %d chunks, want 1", len(got))
	}
	if syn.total() != 1 {
		t.Fatalf("synthesizer called %d times, want 1", syn.total())
	}
	if !cache.Has(segcache.Ref(testFingerprint, plan[0].ID())) {
		t.Fatal("resynthesized chunk not cached")
	}
}

func TestTransientFailuresRetried(t *testing.T) {
	plan := makePlan("Eventually works.")
	store, cache := setup(t, plan)

	syn := &flakySynth{inner: synth.NewMockSynth(24000), failures: 2, seen: make(map[string]int)}
	d := New(store, cache, syn, testFingerprint, defaultOpts(), testLogger())
	got, err := collect(t, d, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("delivered %d chunks, want 1", len(got))
	}

	records, err := store.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if records[0].State != checkpoint.StateDone {
		t.Fatalf("state = %s, want done", records[0].State)
	}
	if records[0].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", records[0].Attempts)
	}
}

func TestAttemptCeiling(t *testing.T) {
	plan := makePlan("Never works.")
	store, cache := setup(t, plan)

	syn := &flakySynth{inner: synth.NewMockSynth(24000), failures: 100, seen: make(map[string]int)}
	opts := defaultOpts()
	opts.MaxAttempts = 2
	d := New(store, cache, syn, testFingerprint, opts, testLogger())

	_, err := collect(t, d, plan)
	var cf *ChunkFailedError
	if !errors.As(err, &cf) {
		t.Fatalf("Run: %v, want ChunkFailedError", err)
	}
	if cf.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", cf.Attempts)
	}

	records, snapErr := store.Snapshot(context.Background())
	if snapErr != nil {
		t.Fatalf("Snapshot: %v", snapErr)
	}
	if records[0].State != checkpoint.StateFailed {
		t.Fatalf("state = %s, want failed", records[0].State)
	}
	if records[0].Reason == "" {
		t.Fatal("failure reason not recorded")
	}
}

func TestFailureDoesNotDisturbDoneChunks(t *testing.T) {
	ctx := context.Background()
	plan := makePlan("Good one.", "Bad one.")
	store, cache := setup(t, plan)

	// chunk 0 is already done and cached
	seg := synth.Segment{Samples: []int{1, 2}, SampleRate: 24000}
	ref, err := cache.Put(testFingerprint, plan[0].ID(), seg)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.MarkInFlight(ctx, plan[0].ID()); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	if err := store.MarkDone(ctx, plan[0].ID(), ref); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	syn := &flakySynth{inner: synth.NewMockSynth(24000), failures: 100, seen: make(map[string]int)}
	opts := defaultOpts()
	opts.MaxAttempts = 1
	opts.Concurrency = 1
	d := New(store, cache, syn, testFingerprint, opts, testLogger())

	if _, err := collect(t, d, plan); err == nil {
		t.Fatal("expected run failure")
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[checkpoint.StateDone] != 1 {
		t.Fatalf("done count = %d, want 1", counts[checkpoint.StateDone])
	}
	if counts[checkpoint.StateFailed] != 1 {
		t.Fatalf("failed count = %d, want 1", counts[checkpoint.StateFailed])
	}
}

func TestRunCancelled(t *testing.T) {
	plan := makePlan("One.", "Two.", "Three.")
	store, cache := setup(t, plan)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(store, cache, synth.NewMockSynth(24000), testFingerprint, defaultOpts(), testLogger())
	out := make(chan assemble.Completed, len(plan))
	if err := d.Run(ctx, plan, out); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v, want context.Canceled", err)
	}
}
