package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearthside-labs/tomecast/internal/assemble"
	"github.com/hearthside-labs/tomecast/internal/audio"
	"github.com/hearthside-labs/tomecast/internal/bus"
	"github.com/hearthside-labs/tomecast/internal/chapter"
	"github.com/hearthside-labs/tomecast/internal/checkpoint"
	"github.com/hearthside-labs/tomecast/internal/chunk"
	"github.com/hearthside-labs/tomecast/internal/config"
	"github.com/hearthside-labs/tomecast/internal/dispatch"
	"github.com/hearthside-labs/tomecast/internal/document"
	"github.com/hearthside-labs/tomecast/internal/fingerprint"
	"github.com/hearthside-labs/tomecast/internal/segcache"
	"github.com/hearthside-labs/tomecast/internal/synth"
	"github.com/hearthside-labs/tomecast/internal/textproc"
)

// Options controls a single conversion run.
type Options struct {
	Input  string
	Output string

	// Force discards any existing checkpoint and starts over.
	Force bool
	// Retain keeps the checkpoint and segment cache after a successful run.
	Retain bool
	// Chapters selects a 1-based subset of detected chapters. Empty means all.
	Chapters []int

	Progress ProgressFunc
	// Synthesizer overrides the configured backend when non-nil.
	Synthesizer synth.Synthesizer
	Publisher   *bus.Publisher
}

// Result summarizes a finished conversion.
type Result struct {
	JobID       string
	OutputPath  string
	Fingerprint string
	Chapters    []audio.ChapterMarker
	ChunksTotal int
	Duration    time.Duration
	Language    string
	Resumed     bool
}

// Converter runs document-to-audiobook conversions according to config.
type Converter struct {
	cfg config.Config
	log *slog.Logger
}

func New(cfg config.Config, log *slog.Logger) *Converter {
	return &Converter{cfg: cfg, log: log.With(slog.String("component", "converter"))}
}

// CheckpointDir returns where checkpoint state for outputPath lives. The
// default places a hidden directory next to the output so a rerun of the
// same command finds it without any bookkeeping.
func CheckpointDir(cfg config.Config, outputPath string) string {
	if cfg.Checkpoint.Dir != "" {
		return cfg.Checkpoint.Dir
	}
	dir := filepath.Dir(outputPath)
	stem := strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))
	return filepath.Join(dir, "."+stem+".checkpoint")
}

// resolveFormat picks the output container: the configured format wins,
// otherwise the output extension decides, defaulting to wav.
func resolveFormat(cfg config.Config, outputPath string) string {
	if cfg.Output.Format != "" {
		return cfg.Output.Format
	}
	switch strings.ToLower(filepath.Ext(outputPath)) {
	case ".mp3":
		return "mp3"
	case ".m4b", ".m4a":
		return "m4b"
	default:
		return "wav"
	}
}

// Plan is the text-side outcome of a conversion before any audio work:
// detected chapters and the chunk list in playback order.
type Plan struct {
	Chapters []chapter.Chapter
	Titles   map[int]string
	Chunks   []chunk.Chunk
	Language string
}

// Prepare extracts the document, detects chapters, preprocesses and chunks
// the selected text. It is deterministic for a given input and config.
func (c *Converter) Prepare(ctx context.Context, input string, selected []int) (*Plan, error) {
	extractor, err := c.buildExtractor()
	if err != nil {
		return nil, err
	}
	doc, err := extractor.Extract(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("extract document: %w", err)
	}

	detector := chapter.NewDetector(c.cfg.Chapters.MinLength, c.cfg.Chapters.UseTOCFirst)
	chapters := detector.Detect(doc)

	chosen, err := filterChapters(chapters, selected)
	if err != nil {
		return nil, err
	}

	dict, err := c.loadDictionary()
	if err != nil {
		return nil, err
	}
	pre := textproc.NewPreprocessor(c.cfg.Preprocess.Language, dict)
	chunker := chunk.NewChunker(c.cfg.Chunking.MaxChars, c.cfg.Chunking.MinChars, c.cfg.Chunking.ParagraphPauseOver)

	plan := &Plan{Chapters: chosen, Titles: make(map[int]string)}
	seq := 0
	for _, ch := range chosen {
		processed := pre.Process(ch.Text(doc.Text))
		if strings.TrimSpace(processed) == "" {
			continue
		}
		chunks := chunker.ChunkChapter(ch.Index, processed)
		for i := range chunks {
			chunks[i].Seq = seq
			seq++
		}
		plan.Chunks = append(plan.Chunks, chunks...)
		plan.Titles[ch.Index] = ch.Title
	}
	plan.Language = pre.DetectedLanguage()

	if len(plan.Chunks) == 0 {
		return nil, errors.New("document produced no synthesizable text")
	}
	return plan, nil
}

// Run executes a full conversion: prepare, open or initialize the
// checkpoint, synthesize every chunk, assemble the output and finalize.
// A resumed run and a fresh run take the same path; the only difference is
// how many chunks come back from the cache instead of the synthesizer.
func (c *Converter) Run(ctx context.Context, opts Options) (*Result, error) {
	jobID := uuid.NewString()
	log := c.log.With(slog.String("job_id", jobID))
	log.Info("starting conversion",
		slog.String("input", opts.Input), slog.String("output", opts.Output))

	plan, err := c.Prepare(ctx, opts.Input, opts.Chapters)
	if err != nil {
		return nil, err
	}
	log.Info("conversion planned",
		slog.Int("chapters", len(plan.Chapters)),
		slog.Int("chunks", len(plan.Chunks)),
		slog.String("language", plan.Language))

	fp, err := c.computeFingerprint(opts)
	if err != nil {
		return nil, err
	}

	ckptDir := CheckpointDir(c.cfg, opts.Output)
	store, err := checkpoint.Open(ctx, filepath.Join(ckptDir, "checkpoint.db"), log)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	cacheDir := c.cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = filepath.Join(ckptDir, "segments")
	}
	cache, err := segcache.New(cacheDir)
	if err != nil {
		return nil, err
	}

	resumed, err := c.openOrInitialize(ctx, store, cache, fp, plan, opts)
	if err != nil {
		return nil, err
	}
	if resumed {
		counts, err := store.Counts(ctx)
		if err != nil {
			return nil, err
		}
		log.Info("resuming from checkpoint",
			slog.Int("done", counts[checkpoint.StateDone]),
			slog.Int("pending", counts[checkpoint.StatePending]),
			slog.Int("failed", counts[checkpoint.StateFailed]))
	}

	result, err := c.synthesizeAndAssemble(ctx, jobID, fp, plan, store, cache, opts, log)
	if err != nil {
		opts.Publisher.Done(bus.DoneEvent{
			JobID: jobID, OutputPath: opts.Output, Succeeded: false,
			Error: err.Error(), Timestamp: time.Now().UTC(),
		})
		return nil, err
	}

	retain := opts.Retain || c.cfg.Checkpoint.Retain
	if !retain {
		if err := store.Finalize(ctx); err != nil {
			log.Warn("failed to finalize checkpoint", slog.String("error", err.Error()))
		}
		store.Close()
		if err := cache.Purge(fp); err != nil {
			log.Warn("failed to purge segment cache", slog.String("error", err.Error()))
		}
		if c.cfg.Checkpoint.Dir == "" && c.cfg.Cache.Dir == "" {
			if err := os.RemoveAll(ckptDir); err != nil {
				log.Warn("failed to remove checkpoint dir", slog.String("error", err.Error()))
			}
		}
	}

	result.JobID = jobID
	result.Fingerprint = fp
	result.Language = plan.Language
	result.Resumed = resumed
	opts.Publisher.Done(bus.DoneEvent{
		JobID: jobID, OutputPath: result.OutputPath, Succeeded: true,
		Timestamp: time.Now().UTC(),
	})
	log.Info("conversion finished",
		slog.String("output", result.OutputPath),
		slog.Duration("audio", result.Duration),
		slog.Bool("resumed", resumed))
	return result, nil
}

func (c *Converter) computeFingerprint(opts Options) (string, error) {
	inputHash, err := fingerprint.File(opts.Input)
	if err != nil {
		return "", err
	}
	dict, err := c.loadDictionary()
	if err != nil {
		return "", err
	}
	settings := fingerprint.Settings{
		Voice:              c.cfg.Synthesis.Voice,
		Speed:              c.cfg.Synthesis.Speed,
		SampleRate:         c.cfg.Synthesis.SampleRate,
		MaxChars:           c.cfg.Chunking.MaxChars,
		MinChars:           c.cfg.Chunking.MinChars,
		ParagraphPauseOver: c.cfg.Chunking.ParagraphPauseOver,
		ChapterMinLength:   c.cfg.Chapters.MinLength,
		Language:           c.cfg.Preprocess.Language,
		Dictionary:         dict.Fingerprint(),
		ChapterFilter:      chapterFilterKey(opts.Chapters),
	}
	return fingerprint.Compute(inputHash, settings)
}

func (c *Converter) openOrInitialize(ctx context.Context, store *checkpoint.Store, cache *segcache.Cache, fp string, plan *Plan, opts Options) (bool, error) {
	matchErr := store.Match(ctx, fp)
	switch {
	case opts.Force || errors.Is(matchErr, checkpoint.ErrNoCheckpoint):
		if opts.Force {
			if err := cache.Purge(fp); err != nil {
				return false, fmt.Errorf("purge cache: %w", err)
			}
		}
		return false, c.initialize(ctx, store, fp, plan, opts.Output)
	case matchErr == nil:
		records, err := store.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		if len(records) != len(plan.Chunks) {
			return false, fmt.Errorf("%w: checkpoint has %d chunks, plan has %d",
				checkpoint.ErrCorrupted, len(records), len(plan.Chunks))
		}
		if _, err := store.Recover(ctx); err != nil {
			return false, err
		}
		return true, nil
	case errors.Is(matchErr, checkpoint.ErrFingerprintMismatch):
		return false, fmt.Errorf("input or settings changed since the last run (rerun with force restart to discard it): %w", matchErr)
	default:
		return false, matchErr
	}
}

func (c *Converter) initialize(ctx context.Context, store *checkpoint.Store, fp string, plan *Plan, output string) error {
	chapters := make([]checkpoint.ChapterRow, 0, len(plan.Chapters))
	for _, ch := range plan.Chapters {
		chapters = append(chapters, checkpoint.ChapterRow{
			Index: ch.Index, Title: ch.Title, Start: ch.Start, End: ch.End,
		})
	}
	records := make([]checkpoint.ChunkRecord, 0, len(plan.Chunks))
	for _, ck := range plan.Chunks {
		records = append(records, checkpoint.ChunkRecord{
			ChunkID: ck.ID(), ChapterIndex: ck.ChapterIndex, ChunkIndex: ck.ChunkIndex,
		})
	}
	job := checkpoint.Job{Fingerprint: fp, OutputPath: output}
	return store.Initialize(ctx, job, chapters, records)
}

func (c *Converter) synthesizeAndAssemble(ctx context.Context, jobID, fp string, plan *Plan,
	store *checkpoint.Store, cache *segcache.Cache, opts Options, log *slog.Logger) (*Result, error) {

	format := resolveFormat(c.cfg, opts.Output)
	wavPath := opts.Output
	if format != "wav" {
		wavPath = filepath.Join(CheckpointDir(c.cfg, opts.Output), "intermediate.wav")
	}

	writer, err := audio.NewStreamWriter(wavPath, c.cfg.Synthesis.SampleRate)
	if err != nil {
		return nil, err
	}

	syn := opts.Synthesizer
	if syn == nil {
		if syn, err = c.buildSynthesizer(); err != nil {
			writer.Close()
			return nil, err
		}
	}

	dispatcher := dispatch.New(store, cache, syn, fp, dispatch.Options{
		Concurrency:    c.cfg.Dispatch.Concurrency,
		MaxAttempts:    c.cfg.Dispatch.MaxAttempts,
		InitialBackoff: time.Duration(c.cfg.Dispatch.BackoffInitialMS) * time.Millisecond,
		MaxBackoff:     time.Duration(c.cfg.Dispatch.BackoffMaxMS) * time.Millisecond,
		Voice:          c.cfg.Synthesis.Voice,
		Speed:          c.cfg.Synthesis.Speed,
	}, log)

	assembler := assemble.New(writer, plan.Titles, len(plan.Chunks), assemble.Options{
		ChapterPause:   time.Duration(c.cfg.Output.ChapterPauseMS) * time.Millisecond,
		ParagraphPause: time.Duration(c.cfg.Output.ParagraphPauseMS) * time.Millisecond,
	}, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	completed := make(chan assemble.Completed)
	ordered := make(chan assemble.Completed)

	dispErrCh := make(chan error, 1)
	go func() { dispErrCh <- dispatcher.Run(runCtx, plan.Chunks, completed) }()
	go forwardProgress(runCtx, jobID, len(plan.Chunks), plan.Titles, completed, ordered, opts.Progress, opts.Publisher)

	asmErr := assembler.Run(runCtx, ordered)
	if asmErr != nil {
		// unblock the dispatcher before collecting its error
		cancel()
	}
	dispErr := <-dispErrCh

	if err := errors.Join(dispErr, asmErr); err != nil {
		writer.Close()
		if wavPath != opts.Output {
			os.Remove(wavPath)
		}
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	result := &Result{
		OutputPath:  opts.Output,
		Chapters:    writer.Markers(),
		ChunksTotal: len(plan.Chunks),
		Duration:    writer.Position(),
	}

	if format != "wav" {
		bitrate := c.cfg.Output.MP3Bitrate
		if format == "m4b" {
			bitrate = c.cfg.Output.M4BBitrate
		}
		title := strings.TrimSuffix(filepath.Base(opts.Input), filepath.Ext(opts.Input))
		err := audio.Convert(ctx, wavPath, opts.Output, audio.ConvertOptions{
			FFmpegPath: c.cfg.Output.FFmpegPath,
			Format:     format,
			Bitrate:    bitrate,
			Title:      title,
			Markers:    writer.Markers(),
		})
		os.Remove(wavPath)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *Converter) buildExtractor() (document.Extractor, error) {
	switch c.cfg.Extraction.Mode {
	case "plaintext":
		return document.NewPlaintextExtractor(), nil
	case "exec":
		return document.NewExecExtractor(c.cfg.Extraction.Command)
	default:
		return nil, fmt.Errorf("unknown extraction mode %q", c.cfg.Extraction.Mode)
	}
}

func (c *Converter) buildSynthesizer() (synth.Synthesizer, error) {
	switch c.cfg.Synthesis.Mode {
	case "mock":
		return synth.NewMockSynth(c.cfg.Synthesis.SampleRate), nil
	case "exec":
		return synth.NewExecSynth(c.cfg.Synthesis.Command, c.cfg.Synthesis.SampleRate)
	case "http":
		return synth.NewHTTPSynth(c.cfg.Synthesis.Endpoint,
			time.Duration(c.cfg.Synthesis.TimeoutMS)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", c.cfg.Synthesis.Mode)
	}
}

func (c *Converter) loadDictionary() (*textproc.Dictionary, error) {
	var merged *textproc.Dictionary
	if path := c.cfg.Preprocess.BaseDictionary; path != "" {
		base, err := textproc.LoadDictionary(path)
		if err != nil {
			return nil, fmt.Errorf("load base dictionary: %w", err)
		}
		merged = base
	}
	if path := c.cfg.Preprocess.DictionaryPath; path != "" {
		override, err := textproc.LoadDictionary(path)
		if err != nil {
			return nil, fmt.Errorf("load dictionary: %w", err)
		}
		merged = textproc.MergeDictionaries(merged, override)
	}
	return merged, nil
}

// filterChapters applies a 1-based chapter selection.
func filterChapters(chapters []chapter.Chapter, selected []int) ([]chapter.Chapter, error) {
	if len(selected) == 0 {
		return chapters, nil
	}
	want := make(map[int]bool, len(selected))
	for _, n := range selected {
		if n < 1 || n > len(chapters) {
			return nil, fmt.Errorf("chapter %d out of range: document has %d chapters", n, len(chapters))
		}
		want[n] = true
	}
	var out []chapter.Chapter
	for i, ch := range chapters {
		if want[i+1] {
			out = append(out, ch)
		}
	}
	return out, nil
}

// chapterFilterKey is canonical: the same selection in any order yields the
// same fingerprint contribution.
func chapterFilterKey(selected []int) string {
	if len(selected) == 0 {
		return ""
	}
	sorted := append([]int{}, selected...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
