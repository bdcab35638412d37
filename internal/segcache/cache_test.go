package segcache

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hearthside-labs/tomecast/internal/synth"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seg := synth.Segment{Samples: []int{0, 100, -100, 32000, -32000}, SampleRate: 24000}
	ref, err := c.Put("fp-1", "0000-00000", seg)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref != Ref("fp-1", "0000-00000") {
		t.Fatalf("ref = %s", ref)
	}
	if !c.Has(ref) {
		t.Fatal("Has reported false for stored segment")
	}

	got, err := c.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got.Samples, seg.Samples) {
		t.Fatalf("samples = %v, want %v", got.Samples, seg.Samples)
	}
	if got.SampleRate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", got.SampleRate)
	}
}

func TestGetMiss(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Get(Ref("fp-1", "0000-00000")); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get absent: %v, want ErrMiss", err)
	}
	if c.Has(Ref("fp-1", "0000-00000")) {
		t.Fatal("Has reported true for absent segment")
	}
}

func TestGetCorruptEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ref := Ref("fp-1", "0000-00000")
	if err := os.MkdirAll(filepath.Join(dir, "fp-1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ref), []byte("not a wav file"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	if _, err := c.Get(ref); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get corrupt: %v, want ErrMiss", err)
	}
}

func TestPutIdempotent(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seg := synth.Segment{Samples: []int{1, 2, 3}, SampleRate: 24000}

	if _, err := c.Put("fp-1", "0000-00000", seg); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	ref, err := c.Put("fp-1", "0000-00000", seg)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, err := c.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got.Samples, seg.Samples) {
		t.Fatalf("samples after overwrite = %v", got.Samples)
	}
}

func TestPurge(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seg := synth.Segment{Samples: []int{1}, SampleRate: 24000}
	refA, _ := c.Put("fp-1", "0000-00000", seg)
	refB, _ := c.Put("fp-2", "0000-00000", seg)

	if err := c.Purge("fp-1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if c.Has(refA) {
		t.Fatal("purged segment still present")
	}
	if !c.Has(refB) {
		t.Fatal("purge removed another job's segment")
	}
}
