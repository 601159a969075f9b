package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	vt "github.com/srccircumflex/vtbuffer"
)

// OpenMode mirrors swap.OpenMode for the history store's own file.
type OpenMode int

const (
	CreateNew OpenMode = iota
	OpenExisting
	OpenOrCreate
)

const PathMemory = ":memory:"

// Store is the sqlite-backed log behind LocalHistory: the main
// `local_history` table, the `local_history_branch` fork table, and the
// single-row `local_history_metas` bookkeeping table (spec §6).
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open opens (or creates) the history store at path.
func Open(path string, mode OpenMode) (*Store, error) {
	dsn := path
	switch {
	case path == PathMemory:
		dsn = "file::memory:?cache=shared"
	case strings.HasPrefix(path, "file:"):
		dsn = path
	default:
		if mode == CreateNew {
			if _, err := os.Stat(path); err == nil {
				return nil, &vt.DatabaseFilesError{Path: path, Reason: "destination already exists"}
			}
		}
		if mode == OpenExisting {
			if _, err := os.Stat(path); err != nil {
				return nil, &vt.DatabaseFilesError{Path: path, Reason: "source does not exist"}
			}
		}
		dsn = "file:" + path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("vtbuffer/history: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS local_history (
	id_ INTEGER NOT NULL,
	type_ INTEGER NOT NULL,
	typeval INTEGER NOT NULL,
	work_row INTEGER,
	coord TEXT,
	removed TEXT,
	restrict_removed TEXT,
	cursor INTEGER,
	order_ INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_local_history_id ON local_history(id_);
CREATE TABLE IF NOT EXISTS local_history_branch (
	fork_id INTEGER NOT NULL,
	id_ INTEGER NOT NULL,
	type_ INTEGER NOT NULL,
	typeval INTEGER NOT NULL,
	work_row INTEGER,
	coord TEXT,
	removed TEXT,
	restrict_removed TEXT,
	cursor INTEGER,
	order_ INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_local_history_branch_id ON local_history_branch(fork_id, id_);
CREATE TABLE IF NOT EXISTS local_history_metas (
	undo_id INTEGER,
	fork_id INTEGER
);
`

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return &vt.DatabaseTableError{Table: "local_history*", Reason: err.Error()}
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	if err != nil && !strings.Contains(err.Error(), "closed") {
		return err
	}
	return nil
}

// Unlink closes the connection and removes the backing file.
func (s *Store) Unlink() error {
	if err := s.Close(); err != nil {
		return err
	}
	if s.path == PathMemory || strings.HasPrefix(s.path, "file:") {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path reports the store's configured path.
func (s *Store) Path() string { return s.path }

func encodeCoord(coord []int) (interface{}, error) {
	if coord == nil {
		return nil, nil
	}
	b, err := json.Marshal(coord)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeCoord(s sql.NullString) ([]int, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []int
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeRemoved(removed []RemovedEntry) (interface{}, error) {
	if removed == nil {
		return nil, nil
	}
	type wire struct {
		Content string
		End     *vt.RowEnd
	}
	ws := make([]wire, len(removed))
	for i, r := range removed {
		ws[i] = wire{Content: r.Content, End: r.End}
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeRemoved(s sql.NullString) ([]RemovedEntry, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	type wire struct {
		Content string
		End     *vt.RowEnd
	}
	var ws []wire
	if err := json.Unmarshal([]byte(s.String), &ws); err != nil {
		return nil, err
	}
	out := make([]RemovedEntry, len(ws))
	for i, w := range ws {
		out[i] = RemovedEntry{Content: w.Content, End: w.End}
	}
	return out, nil
}

func encodeRestrictRemoved(rows []vt.PersistRow) (interface{}, error) {
	if rows == nil {
		return nil, nil
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeRestrictRemoved(s sql.NullString) ([]vt.PersistRow, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []vt.PersistRow
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// InsertItem appends one row to the main log.
func (s *Store) InsertItem(it HistoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coord, err := encodeCoord(it.Coord)
	if err != nil {
		return err
	}
	removed, err := encodeRemoved(it.Removed)
	if err != nil {
		return err
	}
	restrict, err := encodeRestrictRemoved(it.RestrictRemoved)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO local_history(id_, type_, typeval, work_row, coord, removed, restrict_removed, cursor, order_)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, int(it.Type), int(it.TypeVal), it.WorkRow, coord, removed, restrict, nullInt(it.Cursor), it.Order)
	return err
}

func scanItem(rows interface {
	Scan(dest ...any) error
}) (HistoryItem, error) {
	var it HistoryItem
	var typ, typeval int
	var coordS, removedS, restrictS sql.NullString
	var cursor sql.NullInt64
	if err := rows.Scan(&it.ID, &typ, &typeval, &it.WorkRow, &coordS, &removedS, &restrictS, &cursor, &it.Order); err != nil {
		return HistoryItem{}, err
	}
	it.Type = ItemType(typ)
	it.TypeVal = TypeVal(typeval)
	var err error
	if it.Coord, err = decodeCoord(coordS); err != nil {
		return HistoryItem{}, err
	}
	if it.Removed, err = decodeRemoved(removedS); err != nil {
		return HistoryItem{}, err
	}
	if it.RestrictRemoved, err = decodeRestrictRemoved(restrictS); err != nil {
		return HistoryItem{}, err
	}
	if cursor.Valid {
		v := int(cursor.Int64)
		it.Cursor = &v
	}
	return it, nil
}

// LoadItemsByID returns every item at chronological position id, in
// insertion order.
func (s *Store) LoadItemsByID(id int) ([]HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id_, type_, typeval, work_row, coord, removed, restrict_removed, cursor, order_
		FROM local_history WHERE id_ = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// DeleteItemsByID removes every item at chronological position id.
func (s *Store) DeleteItemsByID(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM local_history WHERE id_ = ?`, id)
	return err
}

// DeleteIDRange removes every item whose id falls in [lo, hi].
func (s *Store) DeleteIDRange(lo, hi int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM local_history WHERE id_ BETWEEN ? AND ?`, lo, hi)
	return err
}

// RenumberShift subtracts shift from every positive id (used by the
// maximal-items trim to renumber ids downward after dropping the oldest
// chunk).
func (s *Store) RenumberShift(shift int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE local_history SET id_ = id_ - ? WHERE id_ > 0`, shift)
	return err
}

// MaxPositiveID returns the highest positive id currently logged, or 0.
func (s *Store) MaxPositiveID() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id_) FROM local_history WHERE id_ > 0`).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

// MinNegativeID returns the lowest (most negative) redo id currently
// logged, or 0 if there is no redo tail.
func (s *Store) MinNegativeID() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var min sql.NullInt64
	if err := s.db.QueryRow(`SELECT MIN(id_) FROM local_history WHERE id_ < 0`).Scan(&min); err != nil {
		return 0, err
	}
	if !min.Valid {
		return 0, nil
	}
	return int(min.Int64), nil
}

// InsertBranchItem appends one row to the branch fork table under forkID.
func (s *Store) InsertBranchItem(forkID int, it HistoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coord, err := encodeCoord(it.Coord)
	if err != nil {
		return err
	}
	removed, err := encodeRemoved(it.Removed)
	if err != nil {
		return err
	}
	restrict, err := encodeRestrictRemoved(it.RestrictRemoved)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO local_history_branch(fork_id, id_, type_, typeval, work_row, coord, removed, restrict_removed, cursor, order_)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		forkID, it.ID, int(it.Type), int(it.TypeVal), it.WorkRow, coord, removed, restrict, nullInt(it.Cursor), it.Order)
	return err
}

// LoadBranchItems returns every item stored under forkID, in insertion
// order.
func (s *Store) LoadBranchItems(forkID int) ([]HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id_, type_, typeval, work_row, coord, removed, restrict_removed, cursor, order_
		FROM local_history_branch WHERE fork_id = ? ORDER BY rowid`, forkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// DeleteBranchFork removes every row stored under forkID.
func (s *Store) DeleteBranchFork(forkID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM local_history_branch WHERE fork_id = ?`, forkID)
	return err
}

// SaveMetas overwrites the single bookkeeping row.
func (s *Store) SaveMetas(undoID, forkID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM local_history_metas`); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO local_history_metas(undo_id, fork_id) VALUES (?, ?)`, undoID, forkID)
	return err
}

// LoadMetas reads back the bookkeeping row; zero values if absent.
func (s *Store) LoadMetas() (undoID, forkID int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT undo_id, fork_id FROM local_history_metas LIMIT 1`)
	if err = row.Scan(&undoID, &forkID); err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return undoID, forkID, err
}

// CloneInto copies every row of every table into dest.
func (s *Store) CloneInto(dest *Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest.mu.Lock()
	defer dest.mu.Unlock()

	tx, err := dest.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	mainRows, err := s.db.Query(`SELECT id_, type_, typeval, work_row, coord, removed, restrict_removed, cursor, order_ FROM local_history`)
	if err != nil {
		return err
	}
	for mainRows.Next() {
		it, err := scanItem(mainRows)
		if err != nil {
			mainRows.Close()
			return err
		}
		coord, _ := encodeCoord(it.Coord)
		removed, _ := encodeRemoved(it.Removed)
		restrict, _ := encodeRestrictRemoved(it.RestrictRemoved)
		if _, err := tx.Exec(`INSERT INTO local_history(id_, type_, typeval, work_row, coord, removed, restrict_removed, cursor, order_) VALUES (?,?,?,?,?,?,?,?,?)`,
			it.ID, int(it.Type), int(it.TypeVal), it.WorkRow, coord, removed, restrict, nullInt(it.Cursor), it.Order); err != nil {
			mainRows.Close()
			return err
		}
	}
	mainRows.Close()

	branchRows, err := s.db.Query(`SELECT fork_id, id_, type_, typeval, work_row, coord, removed, restrict_removed, cursor, order_ FROM local_history_branch`)
	if err != nil {
		return err
	}
	for branchRows.Next() {
		var forkID, id, typ, typeval, workRow, order int
		var coordS, removedS, restrictS sql.NullString
		var cursor sql.NullInt64
		if err := branchRows.Scan(&forkID, &id, &typ, &typeval, &workRow, &coordS, &removedS, &restrictS, &cursor, &order); err != nil {
			branchRows.Close()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO local_history_branch(fork_id, id_, type_, typeval, work_row, coord, removed, restrict_removed, cursor, order_) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			forkID, id, typ, typeval, workRow, coordS, removedS, restrictS, cursor, order); err != nil {
			branchRows.Close()
			return err
		}
	}
	branchRows.Close()

	metaRows, err := s.db.Query(`SELECT undo_id, fork_id FROM local_history_metas`)
	if err != nil {
		return err
	}
	for metaRows.Next() {
		var undoID, forkID int
		if err := metaRows.Scan(&undoID, &forkID); err != nil {
			metaRows.Close()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO local_history_metas(undo_id, fork_id) VALUES (?,?)`, undoID, forkID); err != nil {
			metaRows.Close()
			return err
		}
	}
	metaRows.Close()

	return tx.Commit()
}
