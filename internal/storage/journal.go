package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/httprunner/DevicePool/pkg/device"
	"github.com/httprunner/DevicePool/pkg/monitor"
)

const (
	deviceStatesTable = "device_states"
	deviceEventsTable = "device_state_events"

	timeLayout = time.RFC3339Nano
)

// Journal persists device state changes into SQLite. It registers as a
// monitor observer: device_states holds the latest state per serial and
// device_state_events keeps every transition.
type Journal struct {
	db          *sql.DB
	upsertState *sql.Stmt
	insertEvent *sql.Stmt
}

// EventRow is a persisted state transition.
type EventRow struct {
	ID     string       `json:"id"`
	Serial string       `json:"serial"`
	Kind   device.Kind  `json:"kind"`
	From   device.State `json:"from"`
	To     device.State `json:"to"`
	Seq    uint64       `json:"seq"`
	At     time.Time    `json:"at"`
}

// StateRow is the latest persisted state of a device.
type StateRow struct {
	Serial    string       `json:"serial"`
	Kind      device.Kind  `json:"kind"`
	State     device.State `json:"state"`
	Seq       uint64       `json:"seq"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create journal dir %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database for device journal failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureJournalSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	j := &Journal{db: db}
	if err := j.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("device state journal opened")
	return j, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "execute sqlite pragma %s failed", stmt)
		}
	}
	db.SetMaxOpenConns(1)
	return nil
}

func ensureJournalSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + deviceStatesTable + ` (
serial TEXT PRIMARY KEY,
kind TEXT NOT NULL,
state TEXT NOT NULL,
seq INTEGER NOT NULL,
updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS ` + deviceEventsTable + ` (
id TEXT PRIMARY KEY,
serial TEXT NOT NULL,
kind TEXT NOT NULL,
from_state TEXT NOT NULL,
to_state TEXT NOT NULL,
seq INTEGER NOT NULL,
at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_device_state_events_serial ON ` + deviceEventsTable + ` (serial, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "create device journal schema failed")
		}
	}
	return nil
}

func (j *Journal) prepare() error {
	var err error
	j.upsertState, err = j.db.Prepare(`INSERT INTO ` + deviceStatesTable + ` (serial, kind, state, seq, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(serial) DO UPDATE SET kind=excluded.kind, state=excluded.state, seq=excluded.seq, updated_at=excluded.updated_at`)
	if err != nil {
		return errors.Wrap(err, "prepare device state upsert failed")
	}
	j.insertEvent, err = j.db.Prepare(`INSERT INTO ` + deviceEventsTable + ` (id, serial, kind, from_state, to_state, seq, at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		j.upsertState.Close()
		return errors.Wrap(err, "prepare device event insert failed")
	}
	return nil
}

// OnDeviceStateChange implements monitor.Observer.
func (j *Journal) OnDeviceStateChange(ev monitor.Event, _ monitor.Lister) error {
	if j == nil || j.db == nil {
		return nil
	}
	tx, err := j.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin device journal tx failed")
	}
	at := ev.At.UTC().Format(timeLayout)
	if _, err := tx.Stmt(j.insertEvent).Exec(uuid.NewString(), ev.Serial, string(ev.Kind),
		string(ev.From), string(ev.To), int64(ev.Seq), at); err != nil {
		tx.Rollback()
		log.Debug().Str("serial", ev.Serial).Str("to", string(ev.To)).Uint64("seq", ev.Seq).
			Msg("device journal insert rolled back")
		return errors.Wrapf(err, "insert state event for %s failed", ev.Serial)
	}
	if _, err := tx.Stmt(j.upsertState).Exec(ev.Serial, string(ev.Kind), string(ev.To), int64(ev.Seq), at); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "upsert device state for %s failed", ev.Serial)
	}
	return errors.Wrap(tx.Commit(), "commit device journal tx failed")
}

// States returns the latest persisted state of every device, ordered by serial.
func (j *Journal) States() ([]StateRow, error) {
	rows, err := j.db.Query(`SELECT serial, kind, state, seq, updated_at FROM ` + deviceStatesTable + ` ORDER BY serial`)
	if err != nil {
		return nil, errors.Wrap(err, "query device states failed")
	}
	defer rows.Close()
	var out []StateRow
	for rows.Next() {
		var (
			row     StateRow
			kind    string
			state   string
			seq     int64
			updated string
		)
		if err := rows.Scan(&row.Serial, &kind, &state, &seq, &updated); err != nil {
			return nil, errors.Wrap(err, "scan device state failed")
		}
		row.Kind, row.State, row.Seq = device.Kind(kind), device.State(state), uint64(seq)
		row.UpdatedAt = parseTime(updated)
		out = append(out, row)
	}
	return out, errors.Wrap(rows.Err(), "iterate device states failed")
}

// Events returns up to limit most recent transitions of serial, oldest first.
// Rows are ordered by insertion since seq restarts with every pool.
// A limit <= 0 returns all of them.
func (j *Journal) Events(serial string, limit int) ([]EventRow, error) {
	query := `SELECT id, serial, kind, from_state, to_state, seq, at FROM ` + deviceEventsTable +
		` WHERE serial = ? ORDER BY rowid DESC`
	args := []any{strings.TrimSpace(serial)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	log.Debug().Str("sql", formatSQLForLog(query, args...)).Msg("query device events")
	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query device events failed")
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var (
			row            EventRow
			kind, from, to string
			seq            int64
			at             string
		)
		if err := rows.Scan(&row.ID, &row.Serial, &kind, &from, &to, &seq, &at); err != nil {
			return nil, errors.Wrap(err, "scan device event failed")
		}
		row.Kind, row.From, row.To = device.Kind(kind), device.State(from), device.State(to)
		row.Seq, row.At = uint64(seq), parseTime(at)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate device events failed")
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Close releases prepared statements and the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	if j.upsertState != nil {
		j.upsertState.Close()
	}
	if j.insertEvent != nil {
		j.insertEvent.Close()
	}
	return j.db.Close()
}

func parseTime(raw string) time.Time {
	ts, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
