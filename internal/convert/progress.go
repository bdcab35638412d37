package convert

import (
	"context"
	"time"

	"github.com/hearthside-labs/tomecast/internal/assemble"
	"github.com/hearthside-labs/tomecast/internal/bus"
)

// ProgressUpdate describes how far a conversion has advanced.
type ProgressUpdate struct {
	JobID       string
	Stage       string
	ChunksDone  int
	ChunksTotal int
	Chapter     string
}

// ProgressFunc receives updates as the run advances. Called from the
// conversion goroutine; implementations should return quickly.
type ProgressFunc func(ProgressUpdate)

// forwardProgress relays completed chunks from the dispatcher to the
// assembler while reporting progress to the callback and the bus. It closes
// out when in closes.
func forwardProgress(ctx context.Context, jobID string, total int, titles map[int]string,
	in <-chan assemble.Completed, out chan<- assemble.Completed, fn ProgressFunc, pub *bus.Publisher) {
	defer close(out)

	done := 0
	for c := range in {
		done++
		if c.Chunk.ChunkIndex == 0 {
			pub.Chapter(bus.ChapterEvent{
				JobID:     jobID,
				Chapter:   titles[c.Chunk.ChapterIndex],
				Index:     c.Chunk.ChapterIndex,
				Timestamp: time.Now().UTC(),
			})
		}
		if fn != nil {
			fn(ProgressUpdate{
				JobID:       jobID,
				Stage:       "synthesize",
				ChunksDone:  done,
				ChunksTotal: total,
				Chapter:     titles[c.Chunk.ChapterIndex],
			})
		}
		pub.Progress(bus.ProgressEvent{
			JobID:       jobID,
			Stage:       "synthesize",
			ChunksDone:  done,
			ChunksTotal: total,
			Timestamp:   time.Now().UTC(),
		})

		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
	}
}
