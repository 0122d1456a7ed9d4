package journal

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteJournal stores transitions in a sqlite database so that runs can be queried afterwards.
// Each run is identified by a run id; entries from earlier runs are kept.
type SQLiteJournal struct {
	runId string
	db    *sql.DB
	// SQLite only allows one write at a time.
	lock sync.Mutex
}

func NewSQLiteJournal(path string, runId string) (*SQLiteJournal, error) {
	dbDir := filepath.Dir(path)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not make directory at %s for sqlite db", dbDir)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite db at %s", path)
	}
	j := &SQLiteJournal{runId: runId, db: db}
	if err := j.setup(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) setup() error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if _, err := j.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.WithStack(err)
	}
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		RunId TEXT NOT NULL,
		Timestamp INT NOT NULL,
		SubSim INT NOT NULL,
		Projection INT NOT NULL,
		FromState TEXT NOT NULL,
		ToState TEXT NOT NULL)`)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = j.db.Exec(`CREATE INDEX IF NOT EXISTS idx_transitions_run_job ON transitions (RunId, Projection, SubSim)`)
	return errors.WithStack(err)
}

func (j *SQLiteJournal) Record(entry Entry) error {
	j.lock.Lock()
	defer j.lock.Unlock()

	_, err := j.db.Exec(
		"INSERT INTO transitions (RunId, Timestamp, SubSim, Projection, FromState, ToState) VALUES (?, ?, ?, ?, ?, ?)",
		j.runId, entry.Time.UnixNano(), entry.SubSim, entry.Projection, entry.From, entry.To)
	return errors.WithStack(err)
}

// Entries returns all entries of the given run in insertion order.
func (j *SQLiteJournal) Entries(runId string) ([]Entry, error) {
	j.lock.Lock()
	defer j.lock.Unlock()

	rows, err := j.db.Query(
		"SELECT Timestamp, SubSim, Projection, FromState, ToState FROM transitions WHERE RunId = ? ORDER BY Id", runId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&ts, &e.SubSim, &e.Projection, &e.From, &e.To); err != nil {
			return entries, errors.WithStack(err)
		}
		e.Time = time.Unix(0, ts)
		entries = append(entries, e)
	}
	return entries, errors.WithStack(rows.Err())
}

func (j *SQLiteJournal) RunId() string {
	return j.runId
}

func (j *SQLiteJournal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return errors.WithStack(j.db.Close())
}
