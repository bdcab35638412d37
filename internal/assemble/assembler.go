package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hearthside-labs/tomecast/internal/chunk"
	"github.com/hearthside-labs/tomecast/internal/synth"
)

// ErrOrderingViolation means the assembler saw a chunk it cannot place:
// a duplicate, an already-emitted sequence, or one outside the plan. This is
// a programming error upstream and aborts the run.
var ErrOrderingViolation = errors.New("chunk ordering violation")

// Completed pairs a chunk with its synthesized audio.
type Completed struct {
	Chunk   chunk.Chunk
	Segment synth.Segment
}

// Output is where assembled audio goes. *audio.StreamWriter implements it.
type Output interface {
	WriteSegment(synth.Segment) error
	WriteSilence(d time.Duration) error
	MarkChapter(title string)
}

// Assembler consumes completed chunks in any order and emits them strictly
// by global sequence. A chunk ahead of the contiguous prefix is held back;
// nothing is written until every earlier chunk has been written.
type Assembler struct {
	out            Output
	titles         map[int]string
	total          int
	chapterPause   time.Duration
	paragraphPause time.Duration
	log            *slog.Logger

	next    int
	pending map[int]Completed
	emitted int
}

// Options configures pause lengths between structural units.
type Options struct {
	ChapterPause   time.Duration
	ParagraphPause time.Duration
}

// New builds an assembler for a plan of total chunks. titles maps chapter
// index to display title for marker emission.
func New(out Output, titles map[int]string, total int, opts Options, log *slog.Logger) *Assembler {
	return &Assembler{
		out:            out,
		titles:         titles,
		total:          total,
		chapterPause:   opts.ChapterPause,
		paragraphPause: opts.ParagraphPause,
		log:            log,
		pending:        make(map[int]Completed),
	}
}

// Run drains completed until it closes, writing chunks in sequence order.
// It returns an error if the stream ends before the plan is complete, so a
// dispatcher that gives up early surfaces as a failed run rather than a
// silently truncated file.
func (a *Assembler) Run(ctx context.Context, completed <-chan Completed) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-completed:
			if !ok {
				if a.emitted != a.total {
					return fmt.Errorf("assembly incomplete: %d of %d chunks written", a.emitted, a.total)
				}
				return nil
			}
			if err := a.accept(c); err != nil {
				return err
			}
		}
	}
}

func (a *Assembler) accept(c Completed) error {
	seq := c.Chunk.Seq
	if seq < a.next {
		return fmt.Errorf("%w: chunk %s (seq %d) already written", ErrOrderingViolation, c.Chunk.ID(), seq)
	}
	if seq >= a.total {
		return fmt.Errorf("%w: chunk %s (seq %d) outside plan of %d", ErrOrderingViolation, c.Chunk.ID(), seq, a.total)
	}
	if _, dup := a.pending[seq]; dup {
		return fmt.Errorf("%w: chunk %s (seq %d) delivered twice", ErrOrderingViolation, c.Chunk.ID(), seq)
	}
	a.pending[seq] = c

	for {
		ready, ok := a.pending[a.next]
		if !ok {
			return nil
		}
		delete(a.pending, a.next)
		if err := a.emit(ready); err != nil {
			return err
		}
		a.next++
	}
}

func (a *Assembler) emit(c Completed) error {
	if c.Chunk.ChunkIndex == 0 {
		if a.emitted > 0 {
			if err := a.out.WriteSilence(a.chapterPause); err != nil {
				return err
			}
		}
		a.out.MarkChapter(a.titles[c.Chunk.ChapterIndex])
	}
	if err := a.out.WriteSegment(c.Segment); err != nil {
		return fmt.Errorf("write chunk %s: %w", c.Chunk.ID(), err)
	}
	a.emitted++
	if c.Chunk.ParagraphBreak {
		if err := a.out.WriteSilence(a.paragraphPause); err != nil {
			return err
		}
	}
	if a.log != nil && a.log.Enabled(context.Background(), slog.LevelDebug) {
		a.log.Debug("chunk written", slog.String("chunk", c.Chunk.ID()), slog.Int("seq", c.Chunk.Seq))
	}
	return nil
}

// Emitted reports how many chunks have been written so far.
func (a *Assembler) Emitted() int {
	return a.emitted
}
