// Package snapshot saves and restores the persistent variable tiers of a
// VM in a SQLite database.
//
// Only globals and instance variables are stored; locals never outlive the
// invocation that created them. Rows are keyed by variable name rather
// than id, so a snapshot survives reassembly of a program whose variable
// table was renumbered.
package snapshot

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chazu/acorn/vm"
	_ "modernc.org/sqlite"
)

// ErrNoSnapshot indicates the database holds no saved state.
var ErrNoSnapshot = errors.New("no snapshot saved")

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS globals (
	name TEXT PRIMARY KEY,
	kind INTEGER NOT NULL,
	bits INTEGER NOT NULL,
	str  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS instances (
	name     TEXT NOT NULL,
	instance INTEGER NOT NULL,
	kind     INTEGER NOT NULL,
	bits     INTEGER NOT NULL,
	str      TEXT NOT NULL,
	PRIMARY KEY (name, instance)
);`

// Store handles SQLite storage for variable state.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating snapshot dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Summary describes a save or load.
type Summary struct {
	Program   string
	SavedAt   time.Time
	Globals   int
	Instances int
	// Skipped counts rows whose variable the program does not name.
	Skipped int
}

// Save replaces the stored state with the globals and instance variables
// in vars. Variable names come from p's variable table.
func (s *Store) Save(p *vm.Program, vars *vm.Variables) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{Program: p.Info.DisplayName, SavedAt: time.Now().UTC()}
	tx, err := s.db.Begin()
	if err != nil {
		return sum, fmt.Errorf("saving snapshot: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM globals", "DELETE FROM instances", "DELETE FROM meta"} {
		if _, err := tx.Exec(stmt); err != nil {
			return sum, fmt.Errorf("saving snapshot: %w", err)
		}
	}

	for _, id := range vars.GlobalIDs() {
		v, _ := vars.Global(id)
		name := p.VariableName(id)
		kind, bits, str, err := columns(v)
		if err != nil {
			return sum, fmt.Errorf("saving global %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO globals (name, kind, bits, str) VALUES (?, ?, ?, ?)",
			name, kind, bits, str); err != nil {
			return sum, fmt.Errorf("saving global %s: %w", name, err)
		}
		sum.Globals++
	}

	for key, v := range vars.Instances() {
		name := p.VariableName(key.Variable)
		kind, bits, str, err := columns(v)
		if err != nil {
			return sum, fmt.Errorf("saving %d.%s: %w", key.Instance, name, err)
		}
		if _, err := tx.Exec("INSERT INTO instances (name, instance, kind, bits, str) VALUES (?, ?, ?, ?, ?)",
			name, key.Instance, kind, bits, str); err != nil {
			return sum, fmt.Errorf("saving %d.%s: %w", key.Instance, name, err)
		}
		sum.Instances++
	}

	meta := map[string]string{
		"program":  sum.Program,
		"saved_at": sum.SavedAt.Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		if _, err := tx.Exec("INSERT INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return sum, fmt.Errorf("saving snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sum, fmt.Errorf("saving snapshot: %w", err)
	}
	return sum, nil
}

// Load writes the stored state into vars. Existing entries with the same
// keys are overwritten; other entries are left alone. Rows naming a
// variable that p does not know are counted in Summary.Skipped.
//
// All rows are read in one transaction before vars is touched, so a failed
// load leaves vars unchanged.
func (s *Store) Load(p *vm.Program, vars *vm.Variables) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	tx, err := s.db.Begin()
	if err != nil {
		return sum, fmt.Errorf("loading snapshot: %w", err)
	}
	defer tx.Rollback()

	var savedAt string
	err = tx.QueryRow("SELECT value FROM meta WHERE key = 'saved_at'").Scan(&savedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sum, ErrNoSnapshot
		}
		return sum, fmt.Errorf("loading snapshot: %w", err)
	}
	if sum.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return sum, fmt.Errorf("loading snapshot: bad saved_at %q: %w", savedAt, err)
	}
	err = tx.QueryRow("SELECT value FROM meta WHERE key = 'program'").Scan(&sum.Program)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return sum, fmt.Errorf("loading snapshot: %w", err)
	}

	ids := make(map[string]int, len(p.Variables))
	for id, name := range p.Variables {
		ids[name] = id
	}

	type entry struct {
		id, instance int
		v            vm.Value
	}
	var globals, instances []entry

	rows, err := tx.Query("SELECT name, kind, bits, str FROM globals ORDER BY name")
	if err != nil {
		return sum, fmt.Errorf("loading globals: %w", err)
	}
	err = scanRows(rows, func(name string, _ int, v vm.Value) {
		id, ok := ids[name]
		if !ok {
			sum.Skipped++
			return
		}
		globals = append(globals, entry{id: id, v: v})
	}, false)
	if err != nil {
		return sum, fmt.Errorf("loading globals: %w", err)
	}

	rows, err = tx.Query("SELECT name, instance, kind, bits, str FROM instances ORDER BY name, instance")
	if err != nil {
		return sum, fmt.Errorf("loading instances: %w", err)
	}
	err = scanRows(rows, func(name string, instance int, v vm.Value) {
		id, ok := ids[name]
		if !ok {
			sum.Skipped++
			return
		}
		instances = append(instances, entry{id: id, instance: instance, v: v})
	}, true)
	if err != nil {
		return sum, fmt.Errorf("loading instances: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return sum, fmt.Errorf("loading snapshot: %w", err)
	}

	for _, e := range globals {
		vars.SetGlobal(e.id, e.v)
	}
	for _, e := range instances {
		vars.SetInstance(e.id, e.instance, e.v)
	}
	sum.Globals = len(globals)
	sum.Instances = len(instances)
	return sum, nil
}

func scanRows(rows *sql.Rows, fn func(name string, instance int, v vm.Value), withInstance bool) error {
	defer rows.Close()
	for rows.Next() {
		var (
			name     string
			instance int
			kind     int
			bits     int64
			str      string
			err      error
		)
		if withInstance {
			err = rows.Scan(&name, &instance, &kind, &bits, &str)
		} else {
			err = rows.Scan(&name, &kind, &bits, &str)
		}
		if err != nil {
			return err
		}
		v, err := value(vm.Kind(kind), bits, str)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fn(name, instance, v)
	}
	return rows.Err()
}

// columns splits v into its stored form. The payload is stored as a
// signed integer because SQLite has no unsigned 64-bit type.
func columns(v vm.Value) (kind int, bits int64, str string, err error) {
	switch v.Kind() {
	case vm.KindVariable:
		return 0, 0, "", fmt.Errorf("cannot store a variable reference")
	case vm.KindString:
		return int(vm.KindString), 0, v.Str(), nil
	}
	return int(v.Kind()), int64(v.Bits()), "", nil
}

func value(k vm.Kind, bits int64, str string) (vm.Value, error) {
	if k == vm.KindString {
		return vm.FromString(str), nil
	}
	return vm.FromBits(k, uint64(bits))
}
