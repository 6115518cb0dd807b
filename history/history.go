// Package history keeps the loss curves of training runs in a SQLite file so
// that runs of successive tasks can be compared after the fact.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrUnknownRun is returned when a run id has no row in the runs table.
var ErrUnknownRun = errors.New("unknown run")

// Store is a loss history database.
type Store struct {
	db *sql.DB
}

// Run describes one training invocation.
type Run struct {
	ID      string
	Name    string
	Task    int
	Started time.Time
	Options string // JSON encoded options
}

// Entry is one recorded loss value.
type Entry struct {
	Epoch     int
	Iteration int
	Name      string
	Value     float64
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening history %s", path)
	}
	// a single connection serializes writers on the file
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{`
		CREATE TABLE IF NOT EXISTS runs(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			task INTEGER NOT NULL,
			ts REAL NOT NULL,
			options TEXT
		)`, `
		CREATE TABLE IF NOT EXISTS losses(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			epoch INTEGER NOT NULL,
			iter INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS losses_run ON losses(run_id, epoch)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "initializing history %s", path)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun registers a run. An empty id gets a fresh UUID. options is
// stored as JSON for later inspection.
func (s *Store) StartRun(ctx context.Context, id, name string, task int, options any) (*Run, error) {
	if id == "" {
		id = uuid.NewString()
	}
	var encoded []byte
	if options != nil {
		var err error
		if encoded, err = json.Marshal(options); err != nil {
			return nil, errors.Wrap(err, "encoding run options")
		}
	}
	run := &Run{ID: id, Name: name, Task: task, Started: time.Now(), Options: string(encoded)}
	_, err := s.db.ExecContext(ctx, "INSERT INTO runs(id, name, task, ts, options) VALUES(?,?,?,?,?)",
		run.ID, run.Name, run.Task, toSeconds(run.Started), run.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "starting run %s", id)
	}
	return run, nil
}

// Record stores the losses of one iteration in a single transaction.
func (s *Store) Record(ctx context.Context, runID string, epoch, iter int, losses map[string]float64) error {
	if len(losses) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "recording losses")
	}
	defer tx.Rollback()

	var known int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE id = ?", runID).Scan(&known); err != nil {
		return errors.Wrap(err, "recording losses")
	}
	if known == 0 {
		return errors.Wrapf(ErrUnknownRun, "%s", runID)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO losses(run_id, epoch, iter, name, value) VALUES(?,?,?,?,?)")
	if err != nil {
		return errors.Wrap(err, "recording losses")
	}
	defer stmt.Close()

	names := make([]string, 0, len(losses))
	for k := range losses {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := stmt.ExecContext(ctx, runID, epoch, iter, name, losses[name]); err != nil {
			return errors.Wrapf(err, "recording %s", name)
		}
	}
	return tx.Commit()
}

// Losses returns every entry of a run in recording order.
func (s *Store) Losses(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT epoch, iter, name, value FROM losses WHERE run_id = ? ORDER BY id ASC", runID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading losses of %s", runID)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Epoch, &e.Iteration, &e.Name, &e.Value); err != nil {
			return nil, errors.Wrap(err, "scanning loss")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EpochMeans averages every loss of a run per epoch.
func (s *Store) EpochMeans(ctx context.Context, runID string) (map[int]map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT epoch, name, AVG(value) FROM losses WHERE run_id = ? GROUP BY epoch, name", runID)
	if err != nil {
		return nil, errors.Wrapf(err, "averaging losses of %s", runID)
	}
	defer rows.Close()

	means := make(map[int]map[string]float64)
	for rows.Next() {
		var (
			epoch int
			name  string
			mean  float64
		)
		if err := rows.Scan(&epoch, &name, &mean); err != nil {
			return nil, errors.Wrap(err, "scanning mean")
		}
		if means[epoch] == nil {
			means[epoch] = make(map[string]float64)
		}
		means[epoch][name] = mean
	}
	return means, rows.Err()
}

// Run looks up a run by id.
func (s *Store) Run(ctx context.Context, id string) (*Run, error) {
	var (
		r  Run
		ts float64
		op sql.NullString
	)
	err := s.db.QueryRowContext(ctx, "SELECT id, name, task, ts, options FROM runs WHERE id = ?", id).
		Scan(&r.ID, &r.Name, &r.Task, &ts, &op)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrUnknownRun, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading run %s", id)
	}
	r.Started = fromSeconds(ts)
	r.Options = op.String
	return &r, nil
}

// Runs lists the runs with the given experiment name, oldest first. An
// empty name lists every run.
func (s *Store) Runs(ctx context.Context, name string) ([]Run, error) {
	query := "SELECT id, name, task, ts FROM runs ORDER BY ts ASC, rowid ASC"
	args := []any{}
	if name != "" {
		query = "SELECT id, name, task, ts FROM runs WHERE name = ? ORDER BY ts ASC, rowid ASC"
		args = append(args, name)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r  Run
			ts float64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Task, &ts); err != nil {
			return nil, errors.Wrap(err, "scanning run")
		}
		r.Started = fromSeconds(ts)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func toSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}

func fromSeconds(s float64) time.Time {
	return time.UnixMilli(int64(math.Round(s * 1000)))
}
