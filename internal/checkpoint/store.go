package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// State is the lifecycle position of a chunk.
type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "inflight"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

var (
	// ErrNoCheckpoint means no job has been initialized in this store.
	ErrNoCheckpoint = errors.New("no checkpoint recorded")
	// ErrFingerprintMismatch means a checkpoint exists but belongs to a
	// different input or different settings.
	ErrFingerprintMismatch = errors.New("checkpoint fingerprint mismatch")
	// ErrCorrupted means the stored state contradicts the chunk lifecycle.
	ErrCorrupted = errors.New("checkpoint corrupted")
)

// Job identifies a conversion run.
type Job struct {
	Fingerprint string
	OutputPath  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChapterRow is the persisted chapter plan.
type ChapterRow struct {
	Index int
	Title string
	Start int
	End   int
}

// ChunkRecord is the persisted per-chunk state.
type ChunkRecord struct {
	ChunkID      string
	ChapterIndex int
	ChunkIndex   int
	State        State
	Attempts     int
	Reason       string
	AudioRef     string
	UpdatedAt    time.Time
}

// Store is a SQLite-backed checkpoint for one conversion job. All state
// transitions are serialized so a transition is either fully recorded or not
// at all.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time

	mu sync.Mutex
}

// Open opens (creating if needed) the checkpoint database at path.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    fingerprint TEXT PRIMARY KEY,
    output_path TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS chapters (
    fingerprint TEXT NOT NULL,
    idx INTEGER NOT NULL,
    title TEXT,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    PRIMARY KEY(fingerprint, idx),
    FOREIGN KEY(fingerprint) REFERENCES jobs(fingerprint) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS chunk_states (
    fingerprint TEXT NOT NULL,
    chunk_id TEXT NOT NULL,
    chapter_idx INTEGER NOT NULL,
    chunk_idx INTEGER NOT NULL,
    state TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    audio_ref TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY(fingerprint, chunk_id),
    FOREIGN KEY(fingerprint) REFERENCES jobs(fingerprint) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chunk_states_order ON chunk_states(fingerprint, chapter_idx, chunk_idx);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Job returns the stored job, or ErrNoCheckpoint when none exists.
func (s *Store) Job(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, output_path, created_at, updated_at FROM jobs LIMIT 1`)
	var j Job
	var created, updated string
	if err := row.Scan(&j.Fingerprint, &j.OutputPath, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCheckpoint
		}
		return nil, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		j.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		j.UpdatedAt = ts
	}
	return &j, nil
}

// Match verifies the stored job carries fingerprint. It returns
// ErrNoCheckpoint when the store is empty and ErrFingerprintMismatch when a
// different job is recorded.
func (s *Store) Match(ctx context.Context, fingerprint string) error {
	job, err := s.Job(ctx)
	if err != nil {
		return err
	}
	if job.Fingerprint != fingerprint {
		return fmt.Errorf("%w: have %s, want %s", ErrFingerprintMismatch,
			short(job.Fingerprint), short(fingerprint))
	}
	return nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Initialize records a fresh job, its chapter plan and all chunks as pending.
// Any previously stored job is replaced in the same transaction.
func (s *Store) Initialize(ctx context.Context, job Job, chapters []ChapterRow, chunks []ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs(fingerprint, output_path, created_at, updated_at) VALUES(?, ?, ?, ?)`,
		job.Fingerprint, job.OutputPath, now, now); err != nil {
		return err
	}
	for _, ch := range chapters {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chapters(fingerprint, idx, title, start_offset, end_offset) VALUES(?, ?, ?, ?, ?)`,
			job.Fingerprint, ch.Index, ch.Title, ch.Start, ch.End); err != nil {
			return err
		}
	}
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunk_states(fingerprint, chunk_id, chapter_idx, chunk_idx, state, attempts, updated_at)
			 VALUES(?, ?, ?, ?, ?, 0, ?)`,
			job.Fingerprint, c.ChunkID, c.ChapterIndex, c.ChunkIndex, StatePending, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Recover demotes any in-flight chunks back to pending. A chunk left in
// flight means the previous process died mid-synthesis; its work is lost and
// must be redone. Returns the number of demoted chunks.
func (s *Store) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE chunk_states SET state = ?, updated_at = ? WHERE state = ?`,
		StatePending, s.clock().UTC().Format(time.RFC3339Nano), StateInFlight)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 && s.log != nil {
		s.log.Info("recovered interrupted chunks", slog.Int64("count", n))
	}
	return int(n), nil
}

// MarkInFlight claims a pending or failed chunk for synthesis and increments
// its attempt counter.
func (s *Store) MarkInFlight(ctx context.Context, chunkID string) error {
	return s.transition(ctx, chunkID,
		`UPDATE chunk_states SET state = ?, attempts = attempts + 1, reason = NULL, updated_at = ?
		 WHERE chunk_id = ? AND state IN (?, ?)`,
		StateInFlight, StatePending, StateFailed)
}

// MarkDone records a successful synthesis along with the cache reference for
// the produced audio.
func (s *Store) MarkDone(ctx context.Context, chunkID, audioRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE chunk_states SET state = ?, audio_ref = ?, updated_at = ?
		 WHERE chunk_id = ? AND state = ?`,
		StateDone, audioRef, s.clock().UTC().Format(time.RFC3339Nano), chunkID, StateInFlight)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, chunkID, StateDone)
}

// MarkFailed records a failed synthesis attempt.
func (s *Store) MarkFailed(ctx context.Context, chunkID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE chunk_states SET state = ?, reason = ?, updated_at = ?
		 WHERE chunk_id = ? AND state = ?`,
		StateFailed, reason, s.clock().UTC().Format(time.RFC3339Nano), chunkID, StateInFlight)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, chunkID, StateFailed)
}

// Requeue demotes a done chunk back to pending. Used when a chunk is marked
// done but its cached audio has gone missing.
func (s *Store) Requeue(ctx context.Context, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE chunk_states SET state = ?, audio_ref = NULL, updated_at = ?
		 WHERE chunk_id = ? AND state = ?`,
		StatePending, s.clock().UTC().Format(time.RFC3339Nano), chunkID, StateDone)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, chunkID, StatePending)
}

func (s *Store) transition(ctx context.Context, chunkID, query string, to State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := []any{to, s.clock().UTC().Format(time.RFC3339Nano), chunkID}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, chunkID, to)
}

// checkAffected distinguishes an unknown chunk from an illegal transition
// when a guarded UPDATE matched no rows. Callers hold s.mu.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, chunkID string, to State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var current State
	row := s.db.QueryRowContext(ctx, `SELECT state FROM chunk_states WHERE chunk_id = ?`, chunkID)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: unknown chunk %s", ErrCorrupted, chunkID)
		}
		return err
	}
	return fmt.Errorf("%w: chunk %s cannot move %s -> %s", ErrCorrupted, chunkID, current, to)
}

// Chapters returns the stored chapter plan in document order.
func (s *Store) Chapters(ctx context.Context) ([]ChapterRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, title, start_offset, end_offset FROM chapters ORDER BY idx ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chapters []ChapterRow
	for rows.Next() {
		var ch ChapterRow
		if err := rows.Scan(&ch.Index, &ch.Title, &ch.Start, &ch.End); err != nil {
			return nil, err
		}
		chapters = append(chapters, ch)
	}
	return chapters, rows.Err()
}

// Snapshot returns every chunk record in document order.
func (s *Store) Snapshot(ctx context.Context) ([]ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, chapter_idx, chunk_idx, state, attempts, COALESCE(reason, ''), COALESCE(audio_ref, ''), updated_at
		 FROM chunk_states ORDER BY chapter_idx ASC, chunk_idx ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ChunkRecord
	for rows.Next() {
		var r ChunkRecord
		var updated string
		if err := rows.Scan(&r.ChunkID, &r.ChapterIndex, &r.ChunkIndex, &r.State, &r.Attempts, &r.Reason, &r.AudioRef, &updated); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			r.UpdatedAt = ts
		}
		switch r.State {
		case StatePending, StateInFlight, StateDone, StateFailed:
		default:
			return nil, fmt.Errorf("%w: chunk %s has state %q", ErrCorrupted, r.ChunkID, r.State)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Counts aggregates chunks per state.
func (s *Store) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM chunk_states GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var st State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// Finalize removes the job and all dependent rows.
func (s *Store) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs`)
	return err
}
