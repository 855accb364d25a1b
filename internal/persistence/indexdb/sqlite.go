package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"fracflow.ai/internal/sim/recorder"
	"fracflow.ai/internal/sim/tuning"
)

const SchemaVersion = "1"

var ErrClosed = errors.New("indexdb: closed")

// SQLiteIndex is a recorder.Sink that indexes avalanches in SQLite. Batches
// are written by a single goroutine, one transaction per batch. Append blocks
// while the queue is full.
type SQLiteIndex struct {
	db    *sql.DB
	runID int64

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	mu  sync.Mutex
	err error

	batches atomic.Int64
	rows    atomic.Int64
}

type req struct {
	flush int
	batch []recorder.Avalanche
}

type Stats struct {
	Batches       int64 `json:"batches"`
	Rows          int64 `json:"rows"`
	QueueDepth    int   `json:"queue_depth"`
	QueueCapacity int   `json:"queue_capacity"`
}

// OpenSQLite opens (or creates) the index at path and registers a new run.
func OpenSQLite(path string, run tuning.Run) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	runID, err := insertRun(db, run)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:    db,
		runID: runID,
		ch:    make(chan req, 16),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			digest TEXT NOT NULL,
			config_json TEXT NOT NULL,
			seed INTEGER NOT NULL,
			iterations INTEGER NOT NULL,
			delta_p REAL NOT NULL,
			s_min REAL NOT NULL,
			s_max REAL NOT NULL,
			profile TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			events INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_digest ON runs(digest);`,
		`CREATE TABLE IF NOT EXISTS batches (
			run_id INTEGER NOT NULL REFERENCES runs(id),
			flush INTEGER NOT NULL,
			rows INTEGER NOT NULL,
			first_seq INTEGER NOT NULL,
			last_seq INTEGER NOT NULL,
			PRIMARY KEY (run_id, flush)
		);`,
		`CREATE TABLE IF NOT EXISTS avalanches (
			run_id INTEGER NOT NULL REFERENCES runs(id),
			seq INTEGER NOT NULL,
			step INTEGER NOT NULL,
			interior INTEGER NOT NULL,
			trig INTEGER NOT NULL,
			slips INTEGER NOT NULL,
			size INTEGER NOT NULL,
			energy REAL NOT NULL,
			l_max INTEGER NOT NULL,
			origin_distance INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_avalanches_run_size ON avalanches(run_id, size);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + SchemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Digest identifies a run configuration: the hex sha256 of its canonical JSON.
func Digest(run tuning.Run) (string, []byte) {
	b, _ := json.Marshal(run)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b
}

func insertRun(db *sql.DB, run tuning.Run) (int64, error) {
	digest, raw := Digest(run)
	res, err := db.Exec(
		`INSERT INTO runs(digest,config_json,seed,iterations,delta_p,s_min,s_max,profile,started_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		digest, string(raw), int64(run.Seed), run.Iterations, run.DeltaP, run.SMin, run.SMax, run.Profile,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteIndex) RunID() int64 { return s.runID }

// Append queues batch for the writer. It returns the first error the writer
// has hit so far, if any.
func (s *SQLiteIndex) Append(batch []recorder.Avalanche) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.writeErr(); err != nil {
		return err
	}
	n := s.batches.Add(1)
	s.ch <- req{flush: int(n), batch: batch}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		Batches:       s.batches.Load(),
		Rows:          s.rows.Load(),
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
	}
}

// Close waits for queued batches, stamps the run as finished and closes the
// database. It reports the first write error.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.writeErr()
		if err == nil {
			_, err = s.db.Exec(`UPDATE runs SET finished_at=?, events=? WHERE id=?`,
				time.Now().UTC().Format(time.RFC3339Nano), s.rows.Load(), s.runID)
		}
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (s *SQLiteIndex) writeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SQLiteIndex) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = fmt.Errorf("indexdb: %w", err)
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertBatch, err := s.db.Prepare(`INSERT INTO batches(run_id,flush,rows,first_seq,last_seq) VALUES(?,?,?,?,?)`)
	if err != nil {
		s.fail(err)
	}
	insertAvalanche, err := s.db.Prepare(`INSERT INTO avalanches(run_id,seq,step,interior,trig,slips,size,energy,l_max,origin_distance) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		s.fail(err)
	}
	defer func() {
		if insertBatch != nil {
			_ = insertBatch.Close()
		}
		if insertAvalanche != nil {
			_ = insertAvalanche.Close()
		}
	}()

	write := func(r req) error {
		if len(r.batch) == 0 {
			return nil
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		first, last := r.batch[0].Seq, r.batch[len(r.batch)-1].Seq
		if _, err := tx.Stmt(insertBatch).Exec(s.runID, r.flush, len(r.batch), first, last); err != nil {
			return err
		}
		stmt := tx.Stmt(insertAvalanche)
		for _, a := range r.batch {
			interior := 0
			if a.Interior {
				interior = 1
			}
			if _, err := stmt.Exec(s.runID, a.Seq, a.Step, interior, int(a.Trigger), a.Slips, a.Size, a.Energy, a.LMax, a.OriginDistance); err != nil {
				return fmt.Errorf("seq %d: %w", a.Seq, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.rows.Add(int64(len(r.batch)))
		return nil
	}

	for r := range s.ch {
		// Keep draining after a failure so Append never blocks forever.
		if s.writeErr() != nil {
			continue
		}
		if err := write(r); err != nil {
			s.fail(fmt.Errorf("flush %d: %w", r.flush, err))
		}
	}
}
