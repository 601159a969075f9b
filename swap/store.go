// Package swap implements the paging engine (Swap) and chunk-cutting
// policy (Trimmer) described in spec §4.3/§4.4: it moves row chunks
// between the live RAM window and an on-disk key-value store so peak
// memory stays bounded regardless of document size.
package swap

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	vt "github.com/srccircumflex/vtbuffer"
)

// OpenMode controls the file-existence check Open performs, matching the
// DatabaseFilesError cases in spec §7.
type OpenMode int

const (
	// CreateNew fails with DatabaseFilesError if the destination file
	// already exists.
	CreateNew OpenMode = iota
	// OpenExisting fails with DatabaseFilesError if the source file does
	// not exist.
	OpenExisting
	// OpenOrCreate never checks existence.
	OpenOrCreate
)

// PathMemory is the ":memory:" pseudo-path from spec §6.
const PathMemory = ":memory:"

// Store is the sqlite-backed key-value store behind Swap: rows,
// chunk_index and metas tables per spec §6's canonical schema. A mutex
// guards every statement since the shared cursor (here: the *sql.DB
// handle) is safe to use from one goroutine at a time but not
// concurrently, while the module itself may be driven by a buffer thread
// and an optional I/O thread (spec §5).
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open opens (or creates) the swap store at path, which may be
// ":memory:", a "file:...?..." URI, or a plain filesystem path.
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
		return nil, fmt.Errorf("vtbuffer/swap: open %q: %w", path, err)
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
CREATE TABLE IF NOT EXISTS swap_chunk_index (
	slot INTEGER PRIMARY KEY,
	start_data INTEGER NOT NULL,
	start_content INTEGER NOT NULL,
	start_row INTEGER NOT NULL,
	start_line INTEGER NOT NULL,
	nrows INTEGER NOT NULL,
	nnl INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS swap_rows (
	slot INTEGER NOT NULL,
	content TEXT NOT NULL,
	end INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_swap_rows_slot ON swap_rows(slot);
CREATE TABLE IF NOT EXISTS swap_metas (
	cur_ids_text TEXT,
	slot_count INTEGER,
	slot_index_key INTEGER,
	slot_index_val INTEGER
);
CREATE TABLE IF NOT EXISTS main_metas (
	cursor_data INTEGER,
	markings_json TEXT,
	history_progress INTEGER
);
`

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return &vt.DatabaseTableError{Table: "swap_*", Reason: err.Error()}
	}
	return nil
}

// Close closes the underlying connection. "Already closed" is tolerated
// silently per spec §7's propagation policy for unlink/dropall.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	if err != nil && !strings.Contains(err.Error(), "closed") {
		return err
	}
	return nil
}

// Unlink closes the connection and removes the backing file (a no-op for
// ":memory:").
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

// Path returns the store's configured path.
func (s *Store) Path() string { return s.path }

// InsertRows appends rows to slot's row list, in order.
func (s *Store) InsertRows(slot int, rows []vt.PersistRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO swap_rows(slot, content, end) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(slot, r.Content, int(r.End)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadRows returns every row persisted under slot, in insertion order.
func (s *Store) LoadRows(slot int) ([]vt.PersistRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT content, end FROM swap_rows WHERE slot = ? ORDER BY rowid`, slot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []vt.PersistRow
	for rows.Next() {
		var content string
		var end int
		if err := rows.Scan(&content, &end); err != nil {
			return nil, err
		}
		out = append(out, vt.PersistRow{Content: content, End: vt.RowEnd(end)})
	}
	return out, rows.Err()
}

// DeleteRows removes every row persisted under slot.
func (s *Store) DeleteRows(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM swap_rows WHERE slot = ?`, slot)
	return err
}

// UpsertChunkIndex writes (or overwrites) slot's MetaIndex record.
func (s *Store) UpsertChunkIndex(e vt.MetaEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO swap_chunk_index(slot, start_data, start_content, start_row, start_line, nrows, nnl)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			start_data=excluded.start_data, start_content=excluded.start_content,
			start_row=excluded.start_row, start_line=excluded.start_line,
			nrows=excluded.nrows, nnl=excluded.nnl`,
		e.Slot, e.Start.Data, e.Start.Content, e.Start.Row, e.Start.Line, e.NRows, e.NNewlines)
	return err
}

// LoadChunkIndex reads back slot's MetaIndex record.
func (s *Store) LoadChunkIndex(slot int) (vt.MetaEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT slot, start_data, start_content, start_row, start_line, nrows, nnl FROM swap_chunk_index WHERE slot = ?`, slot)
	var e vt.MetaEntry
	err := row.Scan(&e.Slot, &e.Start.Data, &e.Start.Content, &e.Start.Row, &e.Start.Line, &e.NRows, &e.NNewlines)
	if err == sql.ErrNoRows {
		return vt.MetaEntry{}, false, nil
	}
	if err != nil {
		return vt.MetaEntry{}, false, err
	}
	return e, true, nil
}

// DeleteChunkIndex removes slot's MetaIndex record.
func (s *Store) DeleteChunkIndex(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM swap_chunk_index WHERE slot = ?`, slot)
	return err
}

// SaveMetasHead writes the single head row carrying the current position
// ids and slot count (spec §6 "one row carries cur_ids+slot_count").
func (s *Store) SaveMetasHead(topID, btmID, slotCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM swap_metas WHERE slot_index_key IS NULL AND slot_index_val IS NULL`); err != nil {
		return err
	}
	curIDs := fmt.Sprintf("%d,%d", topID, btmID)
	_, err := s.db.Exec(`INSERT INTO swap_metas(cur_ids_text, slot_count) VALUES (?, ?)`, curIDs, slotCount)
	return err
}

// LoadMetasHead reads back the head row.
func (s *Store) LoadMetasHead() (topID, btmID, slotCount int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT cur_ids_text, slot_count FROM swap_metas WHERE slot_index_key IS NULL AND slot_index_val IS NULL LIMIT 1`)
	var curIDs string
	if err = row.Scan(&curIDs, &slotCount); err == sql.ErrNoRows {
		return 0, 0, 0, nil
	} else if err != nil {
		return 0, 0, 0, err
	}
	_, err = fmt.Sscanf(curIDs, "%d,%d", &topID, &btmID)
	return topID, btmID, slotCount, err
}

// SaveSlotMapEntry records the (position -> slot) mapping for one
// position id (spec §6 "the remaining rows carry one slot-map entry
// each").
func (s *Store) SaveSlotMapEntry(position, slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM swap_metas WHERE slot_index_key = ?`, position); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO swap_metas(slot_index_key, slot_index_val) VALUES (?, ?)`, position, slot)
	return err
}

// DeleteSlotMapEntry removes the slot-map entry for position.
func (s *Store) DeleteSlotMapEntry(position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM swap_metas WHERE slot_index_key = ?`, position)
	return err
}

// LoadSlotMap reads back every (position -> slot) entry.
func (s *Store) LoadSlotMap() (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT slot_index_key, slot_index_val FROM swap_metas WHERE slot_index_key IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]int{}
	for rows.Next() {
		var k, v int
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SaveMainMetas overwrites the single main_metas row carrying the
// document-level state a backup must round-trip alongside the swap
// chunks themselves: cursor position, marker snapshot, and history
// chronological progress (spec §6 "main_metas(swap, history, marker,
// markings, cursor, anchors)").
func (s *Store) SaveMainMetas(cursorData int, markingsJSON string, historyProgress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM main_metas`); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO main_metas(cursor_data, markings_json, history_progress) VALUES (?, ?, ?)`,
		cursorData, markingsJSON, historyProgress)
	return err
}

// LoadMainMetas reads back the main_metas row; ok is false if the backup
// carries none (e.g. a plain swap clone with no export metadata).
func (s *Store) LoadMainMetas() (cursorData int, markingsJSON string, historyProgress int, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT cursor_data, markings_json, history_progress FROM main_metas LIMIT 1`)
	if err = row.Scan(&cursorData, &markingsJSON, &historyProgress); err == sql.ErrNoRows {
		return 0, "", 0, false, nil
	} else if err != nil {
		return 0, "", 0, false, err
	}
	return cursorData, markingsJSON, historyProgress, true, nil
}

// CloneInto copies every row of every table into dest, used by
// Swap.CloneWithWindow/export_bufferdb (spec §8 "Clone swap ... identical MetaIndex
// and identical chunk contents for every slot").
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

	ciRows, err := s.db.Query(`SELECT slot, start_data, start_content, start_row, start_line, nrows, nnl FROM swap_chunk_index`)
	if err != nil {
		return err
	}
	for ciRows.Next() {
		var e vt.MetaEntry
		if err := ciRows.Scan(&e.Slot, &e.Start.Data, &e.Start.Content, &e.Start.Row, &e.Start.Line, &e.NRows, &e.NNewlines); err != nil {
			ciRows.Close()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO swap_chunk_index(slot, start_data, start_content, start_row, start_line, nrows, nnl) VALUES (?,?,?,?,?,?,?)`,
			e.Slot, e.Start.Data, e.Start.Content, e.Start.Row, e.Start.Line, e.NRows, e.NNewlines); err != nil {
			ciRows.Close()
			return err
		}
	}
	ciRows.Close()

	rowRows, err := s.db.Query(`SELECT slot, content, end FROM swap_rows ORDER BY rowid`)
	if err != nil {
		return err
	}
	for rowRows.Next() {
		var slot, end int
		var content string
		if err := rowRows.Scan(&slot, &content, &end); err != nil {
			rowRows.Close()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO swap_rows(slot, content, end) VALUES (?,?,?)`, slot, content, end); err != nil {
			rowRows.Close()
			return err
		}
	}
	rowRows.Close()

	metaRows, err := s.db.Query(`SELECT cur_ids_text, slot_count, slot_index_key, slot_index_val FROM swap_metas`)
	if err != nil {
		return err
	}
	for metaRows.Next() {
		var curIDs sql.NullString
		var slotCount, key, val sql.NullInt64
		if err := metaRows.Scan(&curIDs, &slotCount, &key, &val); err != nil {
			metaRows.Close()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO swap_metas(cur_ids_text, slot_count, slot_index_key, slot_index_val) VALUES (?,?,?,?)`,
			curIDs, slotCount, key, val); err != nil {
			metaRows.Close()
			return err
		}
	}
	metaRows.Close()

	mainRows, err := s.db.Query(`SELECT cursor_data, markings_json, history_progress FROM main_metas`)
	if err != nil {
		return err
	}
	for mainRows.Next() {
		var cursorData, historyProgress int
		var markingsJSON string
		if err := mainRows.Scan(&cursorData, &markingsJSON, &historyProgress); err != nil {
			mainRows.Close()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO main_metas(cursor_data, markings_json, history_progress) VALUES (?,?,?)`,
			cursorData, markingsJSON, historyProgress); err != nil {
			mainRows.Close()
			return err
		}
	}
	mainRows.Close()

	return tx.Commit()
}
