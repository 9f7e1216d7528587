package checkpoint

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/raster"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run statuses stored in the ledger.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Ledger records classification runs and the tiles each has completed. It
// is backed by a single sqlite connection, so writes are serialized.
type Ledger struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// Open opens or creates the ledger at path and applies pending migrations.
// ":memory:" gives a private in-memory ledger.
func Open(path string, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("checkpoint")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open ledger %s: %v", errs.ErrIO, path, err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: ledger %s: %s: %v", errs.ErrIO, path, p, err)
		}
	}

	l := &Ledger{db: db, path: path, log: log}
	if err := l.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("ledger ready", zap.String("path", path))
	return l, nil
}

func (l *Ledger) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: ledger migrations: %v", errs.ErrIO, err)
	}
	driver, err := sqlite.WithInstance(l.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("%w: ledger migration driver: %v", errs.ErrIO, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("%w: ledger migrate: %v", errs.ErrIO, err)
	}
	m.Log = &migrateLogger{log: l.log}
	// m is not closed: closing it would close l.db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: ledger migration up failed: %v", errs.ErrIO, err)
	}
	return nil
}

// migrateLogger adapts zap to migrate.Logger.
type migrateLogger struct {
	log *zap.Logger
}

func (m *migrateLogger) Printf(format string, v ...interface{}) {
	m.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (m *migrateLogger) Verbose() bool { return false }

// Close closes the ledger database.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("%w: close ledger %s: %v", errs.ErrIO, l.path, err)
	}
	return nil
}

// Path returns the ledger location.
func (l *Ledger) Path() string { return l.path }

// RunSpec identifies the work a run performs.
type RunSpec struct {
	// Fingerprint changes whenever inputs or settings that affect output
	// change. Only runs with the same fingerprint are resumed.
	Fingerprint string
	ImagePath   string
	LibraryPath string
	TileCount   int
}

// Run is one classification run.
type Run struct {
	ID           string     `json:"run_id"`
	Fingerprint  string     `json:"fingerprint"`
	ImagePath    string     `json:"image_path"`
	LibraryPath  string     `json:"library_path"`
	TileCount    int        `json:"tile_count"`
	Status       string     `json:"status"`
	Cursor       int        `json:"cursor"`
	Resumes      int        `json:"resumes"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	FailedTile   *int       `json:"failed_tile,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// TileRecord is a completed tile.
type TileRecord struct {
	Index        int           `json:"index"`
	Region       raster.Region `json:"region"`
	Classified   int           `json:"classified"`
	Unclassified int           `json:"unclassified"`
	NoData       int           `json:"no_data"`
	Insufficient int           `json:"insufficient"`
	Elapsed      time.Duration `json:"elapsed"`
	// Histogram counts pixels per library entry index.
	Histogram map[int]int `json:"histogram,omitempty"`
}

// Fingerprint hashes v's JSON encoding.
func Fingerprint(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: fingerprint: %v", errs.ErrConfig, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// StartRun begins a run. With resume set, the most recent unfinished or
// completed run with the same fingerprint is reopened and keeps its tiles;
// otherwise, or when none exists, a new run is created.
func (l *Ledger) StartRun(spec RunSpec, resume bool) (*Run, error) {
	now := time.Now()
	if resume {
		prev, err := l.latest(spec.Fingerprint)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev.TileCount == spec.TileCount {
			err := retryOnBusy(func() error {
				_, err := l.db.Exec(`
					UPDATE runs SET status = ?, resumes = resumes + 1, error_kind = NULL,
						error_message = NULL, failed_tile = NULL, finished_at = NULL, updated_at = ?
					WHERE run_id = ?`,
					StatusRunning, now.UnixNano(), prev.ID)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("%w: resume run %s: %v", errs.ErrIO, prev.ID, err)
			}
			l.log.Info("resuming run",
				zap.String("run_id", prev.ID),
				zap.Int("cursor", prev.Cursor),
				zap.Int("tiles", prev.TileCount))
			return l.Run(prev.ID)
		}
		l.log.Info("no run to resume, starting fresh", zap.String("fingerprint", spec.Fingerprint[:min(12, len(spec.Fingerprint))]))
	}

	id := uuid.New().String()
	err := retryOnBusy(func() error {
		_, err := l.db.Exec(`
			INSERT INTO runs (run_id, fingerprint, image_path, library_path, tile_count,
				status, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, spec.Fingerprint, spec.ImagePath, spec.LibraryPath, spec.TileCount,
			StatusRunning, now.UnixNano(), now.UnixNano())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start run: %v", errs.ErrIO, err)
	}
	l.log.Info("started run", zap.String("run_id", id), zap.Int("tiles", spec.TileCount))
	return l.Run(id)
}

func (l *Ledger) latest(fingerprint string) (*Run, error) {
	var id string
	err := l.db.QueryRow(`
		SELECT run_id FROM runs WHERE fingerprint = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`, fingerprint).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find run: %v", errs.ErrIO, err)
	}
	return l.Run(id)
}

const runColumns = `run_id, fingerprint, image_path, library_path, tile_count, status, cursor,
	resumes, error_kind, error_message, failed_tile, started_at, updated_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var (
		r                    Run
		kind, msg            sql.NullString
		failed, finished     sql.NullInt64
		startedNS, updatedNS int64
	)
	err := row.Scan(&r.ID, &r.Fingerprint, &r.ImagePath, &r.LibraryPath, &r.TileCount, &r.Status,
		&r.Cursor, &r.Resumes, &kind, &msg, &failed, &startedNS, &updatedNS, &finished)
	if err != nil {
		return nil, err
	}
	r.ErrorKind = kind.String
	r.ErrorMessage = msg.String
	if failed.Valid {
		v := int(failed.Int64)
		r.FailedTile = &v
	}
	r.StartedAt = time.Unix(0, startedNS)
	r.UpdatedAt = time.Unix(0, updatedNS)
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		r.FinishedAt = &t
	}
	return &r, nil
}

// Run returns the run with the given ID.
func (l *Ledger) Run(id string) (*Run, error) {
	r, err := scanRun(l.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s not found", errs.ErrConfig, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read run %s: %v", errs.ErrIO, id, err)
	}
	return r, nil
}

// Runs returns up to limit runs, most recent first.
func (l *Ledger) Runs(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", errs.ErrIO, err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list runs: %v", errs.ErrIO, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", errs.ErrIO, err)
	}
	return out, nil
}

// CompleteTile records t as done for the run and advances the run's cursor.
// Recording the same tile twice replaces the first record.
func (l *Ledger) CompleteTile(runID string, t TileRecord, cursor int) error {
	var hist any
	if len(t.Histogram) > 0 {
		b, err := json.Marshal(t.Histogram)
		if err != nil {
			return fmt.Errorf("%w: encode histogram: %v", errs.ErrIO, err)
		}
		hist = string(b)
	}
	now := time.Now().UnixNano()
	err := retryOnBusy(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO tiles (run_id, tile_index, x, y, width, height,
				classified, unclassified, no_data, insufficient, elapsed_ms, completed_at, histogram)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, t.Index, t.Region.X, t.Region.Y, t.Region.Width, t.Region.Height,
			t.Classified, t.Unclassified, t.NoData, t.Insufficient,
			t.Elapsed.Milliseconds(), now, hist)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE runs SET cursor = MAX(cursor, ?), updated_at = ? WHERE run_id = ?`,
			cursor, now, runID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("%w: record tile %d: %v", errs.ErrIO, t.Index, err)
	}
	return nil
}

// Tiles returns the completed tiles of a run in index order.
func (l *Ledger) Tiles(runID string) ([]TileRecord, error) {
	rows, err := l.db.Query(`
		SELECT tile_index, x, y, width, height, classified, unclassified, no_data,
			insufficient, elapsed_ms, histogram
		FROM tiles WHERE run_id = ? ORDER BY tile_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: list tiles: %v", errs.ErrIO, err)
	}
	defer rows.Close()
	var out []TileRecord
	for rows.Next() {
		var (
			t    TileRecord
			ms   int64
			hist sql.NullString
		)
		if err := rows.Scan(&t.Index, &t.Region.X, &t.Region.Y, &t.Region.Width, &t.Region.Height,
			&t.Classified, &t.Unclassified, &t.NoData, &t.Insufficient, &ms, &hist); err != nil {
			return nil, fmt.Errorf("%w: list tiles: %v", errs.ErrIO, err)
		}
		t.Elapsed = time.Duration(ms) * time.Millisecond
		if hist.Valid {
			if err := json.Unmarshal([]byte(hist.String), &t.Histogram); err != nil {
				return nil, fmt.Errorf("%w: tile %d histogram: %v", errs.ErrFormat, t.Index, err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list tiles: %v", errs.ErrIO, err)
	}
	return out, nil
}

// Outcome is the terminal state of a run.
type Outcome struct {
	Status    string
	ErrorKind string
	Message   string
	// FailedTile is the tile being processed when the run failed, or -1.
	FailedTile int
	Cursor     int
}

// FinishRun records the terminal state of a run.
func (l *Ledger) FinishRun(runID string, o Outcome) error {
	var kind, msg, failed any
	if o.ErrorKind != "" {
		kind = o.ErrorKind
	}
	if o.Message != "" {
		msg = o.Message
	}
	if o.FailedTile >= 0 {
		failed = o.FailedTile
	}
	now := time.Now().UnixNano()
	err := retryOnBusy(func() error {
		_, err := l.db.Exec(`
			UPDATE runs SET status = ?, error_kind = ?, error_message = ?, failed_tile = ?,
				cursor = MAX(cursor, ?), updated_at = ?, finished_at = ?
			WHERE run_id = ?`,
			o.Status, kind, msg, failed, o.Cursor, now, now, runID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: finish run %s: %v", errs.ErrIO, runID, err)
	}
	l.log.Info("run finished", zap.String("run_id", runID), zap.String("status", o.Status))
	return nil
}
