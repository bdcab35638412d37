package segcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/hearthside-labs/tomecast/internal/synth"
)

// ErrMiss means the requested segment is not in the cache.
var ErrMiss = errors.New("segment not cached")

// Cache stores synthesized segments as WAV files keyed by job fingerprint
// and chunk ID. A segment's reference is its path relative to the cache
// root, which is what checkpoints persist.
type Cache struct {
	root string
}

// New returns a cache rooted at dir, creating it if needed.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{root: dir}, nil
}

// Ref builds the cache reference for a chunk.
func Ref(fingerprint, chunkID string) string {
	return filepath.Join(fingerprint, chunkID+".wav")
}

// Put writes a segment under the given fingerprint and chunk ID and returns
// its reference. Writing is atomic: the file appears fully encoded or not at
// all, so a crash mid-write never leaves a truncated entry behind. Put is
// idempotent for deterministic synthesizers.
func (c *Cache) Put(fingerprint, chunkID string, seg synth.Segment) (string, error) {
	ref := Ref(fingerprint, chunkID)
	path := filepath.Join(c.root, ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create cache entry dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), chunkID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := wav.NewEncoder(tmp, seg.SampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Data:           seg.Samples,
		Format:         &audio.Format{NumChannels: 1, SampleRate: seg.SampleRate},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		tmp.Close()
		return "", fmt.Errorf("encode cache entry: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("finish cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("commit cache entry: %w", err)
	}
	return ref, nil
}

// Get loads the segment for ref, or ErrMiss when absent or unreadable.
func (c *Cache) Get(ref string) (synth.Segment, error) {
	f, err := os.Open(filepath.Join(c.root, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return synth.Segment{}, fmt.Errorf("%w: %s", ErrMiss, ref)
		}
		return synth.Segment{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		// a torn or garbage file counts as a miss; the chunk gets resynthesized
		return synth.Segment{}, fmt.Errorf("%w: %s: %v", ErrMiss, ref, err)
	}
	if buf.Format == nil {
		return synth.Segment{}, fmt.Errorf("%w: %s: no format", ErrMiss, ref)
	}
	return synth.Segment{Samples: buf.Data, SampleRate: buf.Format.SampleRate}, nil
}

// Has reports whether ref exists without decoding it.
func (c *Cache) Has(ref string) bool {
	info, err := os.Stat(filepath.Join(c.root, ref))
	return err == nil && info.Size() > 0
}

// Purge removes every cached segment for a fingerprint.
func (c *Cache) Purge(fingerprint string) error {
	if fingerprint == "" {
		return errors.New("fingerprint empty")
	}
	return os.RemoveAll(filepath.Join(c.root, fingerprint))
}
