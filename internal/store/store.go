// Package store provides the SQLite session journal for shelfd.
//
// The journal is diagnostic, not evidentiary: it records completed
// drags, shelf lifetimes and health incidents so `shelfctl history`
// and support bundles have something to show. Only the engine writes
// it; gesture dispatch never blocks on the database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "github.com/mattn/go-sqlite3"

	"shelfd/internal/security"
)

// DefaultBusyTimeoutMs is the SQLite busy timeout used when the
// config does not override it.
const DefaultBusyTimeoutMs = 5000

// Store is the SQLite session journal.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal database at the given path with
// the default busy timeout and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithTimeout(path, DefaultBusyTimeoutMs)
}

// OpenWithTimeout opens the journal with an explicit busy timeout in
// milliseconds. The parent directory is created owner-only and the
// database file is tightened to 0600.
func OpenWithTimeout(path string, busyTimeoutMs int) (*Store, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = DefaultBusyTimeoutMs
	}

	// A pre-existing parent keeps its permissions; only a missing one
	// is created owner-only.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, security.PermSecretFile); err != nil {
			db.Close()
			return nil, fmt.Errorf("set journal permissions: %w", err)
		}
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CheckIntegrity runs a quick SQLite consistency check.
func (s *Store) CheckIntegrity() error {
	var result string
	if err := s.db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// InsertDragSession inserts a completed drag record and returns its ID.
func (s *Store) InsertDragSession(d *DragSession) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO drag_sessions (started_ns, ended_ns, distance, move_count, direction_changes, max_velocity, avg_velocity, file_count, shake_detected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.StartedNs, d.EndedNs, d.Distance, d.MoveCount, d.DirectionChanges, d.MaxVelocity, d.AvgVelocity, d.FileCount, d.ShakeDetected,
	)
	if err != nil {
		return 0, fmt.Errorf("insert drag session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// GetDragSession retrieves a drag session by ID. Returns nil when no
// row exists.
func (s *Store) GetDragSession(id int64) (*DragSession, error) {
	var d DragSession

	err := s.db.QueryRow(`
		SELECT id, started_ns, ended_ns, distance, move_count, direction_changes, max_velocity, avg_velocity, file_count, shake_detected
		FROM drag_sessions WHERE id = ?`, id,
	).Scan(&d.ID, &d.StartedNs, &d.EndedNs, &d.Distance, &d.MoveCount, &d.DirectionChanges, &d.MaxVelocity, &d.AvgVelocity, &d.FileCount, &d.ShakeDetected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get drag session: %w", err)
	}

	return &d, nil
}

// GetDragSessions retrieves drag sessions within a time range, oldest
// first.
func (s *Store) GetDragSessions(startNs, endNs int64) ([]DragSession, error) {
	rows, err := s.db.Query(`
		SELECT id, started_ns, ended_ns, distance, move_count, direction_changes, max_velocity, avg_velocity, file_count, shake_detected
		FROM drag_sessions
		WHERE started_ns >= ? AND started_ns <= ?
		ORDER BY started_ns ASC`, startNs, endNs,
	)
	if err != nil {
		return nil, fmt.Errorf("query drag sessions: %w", err)
	}
	defer rows.Close()

	return scanDragSessions(rows)
}

// RecentDragSessions retrieves the most recent drag sessions, newest
// first.
func (s *Store) RecentDragSessions(limit int) ([]DragSession, error) {
	rows, err := s.db.Query(`
		SELECT id, started_ns, ended_ns, distance, move_count, direction_changes, max_velocity, avg_velocity, file_count, shake_detected
		FROM drag_sessions
		ORDER BY started_ns DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent drag sessions: %w", err)
	}
	defer rows.Close()

	return scanDragSessions(rows)
}

// InsertShelfSession inserts a new shelf session and returns its ID.
// DestroyedNs is left NULL; CloseShelfSession fills it in.
func (s *Store) InsertShelfSession(sh *ShelfSession) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO shelf_sessions (shelf_id, created_ns, destroyed_ns, item_count, pinned, auto_hidden)
		VALUES (?, ?, NULL, ?, ?, ?)`,
		sh.ShelfID, sh.CreatedNs, sh.ItemCount, sh.Pinned, sh.AutoHidden,
	)
	if err != nil {
		return 0, fmt.Errorf("insert shelf session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// CloseShelfSession records the end of a shelf's lifetime with its
// final stats.
func (s *Store) CloseShelfSession(id int64, destroyedNs int64, itemCount int, pinned, autoHidden bool) error {
	result, err := s.db.Exec(`
		UPDATE shelf_sessions
		SET destroyed_ns = ?, item_count = ?, pinned = ?, auto_hidden = ?
		WHERE id = ?`,
		destroyedNs, itemCount, pinned, autoHidden, id,
	)
	if err != nil {
		return fmt.Errorf("close shelf session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("shelf session not found: %d", id)
	}

	return nil
}

// OpenShelfSessions returns sessions with no destroy timestamp. After
// a crash these are the shelves that never got closed out.
func (s *Store) OpenShelfSessions() ([]ShelfSession, error) {
	rows, err := s.db.Query(`
		SELECT id, shelf_id, created_ns, destroyed_ns, item_count, pinned, auto_hidden
		FROM shelf_sessions
		WHERE destroyed_ns IS NULL
		ORDER BY created_ns ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query open shelf sessions: %w", err)
	}
	defer rows.Close()

	return scanShelfSessions(rows)
}

// RecentShelfSessions retrieves the most recently created shelf
// sessions, newest first.
func (s *Store) RecentShelfSessions(limit int) ([]ShelfSession, error) {
	rows, err := s.db.Query(`
		SELECT id, shelf_id, created_ns, destroyed_ns, item_count, pinned, auto_hidden
		FROM shelf_sessions
		ORDER BY created_ns DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent shelf sessions: %w", err)
	}
	defer rows.Close()

	return scanShelfSessions(rows)
}

// GetShelfSessions retrieves shelf sessions created within a time
// range, oldest first.
func (s *Store) GetShelfSessions(startNs, endNs int64) ([]ShelfSession, error) {
	rows, err := s.db.Query(`
		SELECT id, shelf_id, created_ns, destroyed_ns, item_count, pinned, auto_hidden
		FROM shelf_sessions
		WHERE created_ns >= ? AND created_ns <= ?
		ORDER BY created_ns ASC`, startNs, endNs,
	)
	if err != nil {
		return nil, fmt.Errorf("query shelf sessions: %w", err)
	}
	defer rows.Close()

	return scanShelfSessions(rows)
}

// InsertHealthIncident records a module status change and returns its
// ID.
func (s *Store) InsertHealthIncident(h *HealthIncident) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO health_incidents (at_ns, module, status, message)
		VALUES (?, ?, ?, ?)`,
		h.AtNs, h.Module, h.Status, h.Message,
	)
	if err != nil {
		return 0, fmt.Errorf("insert health incident: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// GetHealthIncidents retrieves incidents within a time range, oldest
// first.
func (s *Store) GetHealthIncidents(startNs, endNs int64) ([]HealthIncident, error) {
	rows, err := s.db.Query(`
		SELECT id, at_ns, module, status, message
		FROM health_incidents
		WHERE at_ns >= ? AND at_ns <= ?
		ORDER BY at_ns ASC`, startNs, endNs,
	)
	if err != nil {
		return nil, fmt.Errorf("query health incidents: %w", err)
	}
	defer rows.Close()

	return scanHealthIncidents(rows)
}

// RecentHealthIncidents retrieves the most recent incidents, newest
// first.
func (s *Store) RecentHealthIncidents(limit int) ([]HealthIncident, error) {
	rows, err := s.db.Query(`
		SELECT id, at_ns, module, status, message
		FROM health_incidents
		ORDER BY at_ns DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent health incidents: %w", err)
	}
	defer rows.Close()

	return scanHealthIncidents(rows)
}

// Prune deletes journal rows older than the cutoff. Shelf sessions
// still open are kept regardless of age. Returns the number of rows
// deleted.
func (s *Store) Prune(beforeNs int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	var total int64

	result, err := tx.Exec(`DELETE FROM drag_sessions WHERE started_ns < ?`, beforeNs)
	if err != nil {
		return 0, fmt.Errorf("prune drag sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	total += n

	result, err = tx.Exec(`DELETE FROM shelf_sessions WHERE created_ns < ? AND destroyed_ns IS NOT NULL`, beforeNs)
	if err != nil {
		return 0, fmt.Errorf("prune shelf sessions: %w", err)
	}
	n, _ = result.RowsAffected()
	total += n

	result, err = tx.Exec(`DELETE FROM health_incidents WHERE at_ns < ?`, beforeNs)
	if err != nil {
		return 0, fmt.Errorf("prune health incidents: %w", err)
	}
	n, _ = result.RowsAffected()
	total += n

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}

	return total, nil
}

// Stats summarizes the journal contents.
type Stats struct {
	DragSessions    int64 `json:"drag_sessions"`
	ShelfSessions   int64 `json:"shelf_sessions"`
	OpenShelves     int64 `json:"open_shelves"`
	HealthIncidents int64 `json:"health_incidents"`
	OldestNs        int64 `json:"oldest_ns"`
	NewestNs        int64 `json:"newest_ns"`
	SizeBytes       int64 `json:"size_bytes"`
}

// GetStats returns journal statistics for the status surface.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}

	s.db.QueryRow(`SELECT COUNT(*) FROM drag_sessions`).Scan(&stats.DragSessions)
	s.db.QueryRow(`SELECT COUNT(*) FROM shelf_sessions`).Scan(&stats.ShelfSessions)
	s.db.QueryRow(`SELECT COUNT(*) FROM shelf_sessions WHERE destroyed_ns IS NULL`).Scan(&stats.OpenShelves)
	s.db.QueryRow(`SELECT COUNT(*) FROM health_incidents`).Scan(&stats.HealthIncidents)

	var oldest, newest sql.NullInt64
	s.db.QueryRow(`
		SELECT MIN(t), MAX(t) FROM (
			SELECT started_ns AS t FROM drag_sessions
			UNION ALL SELECT created_ns FROM shelf_sessions
			UNION ALL SELECT at_ns FROM health_incidents
		)`,
	).Scan(&oldest, &newest)
	if oldest.Valid {
		stats.OldestNs = oldest.Int64
		stats.NewestNs = newest.Int64
	}

	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}

	return stats, nil
}

func scanDragSessions(rows *sql.Rows) ([]DragSession, error) {
	var sessions []DragSession

	for rows.Next() {
		var d DragSession
		if err := rows.Scan(&d.ID, &d.StartedNs, &d.EndedNs, &d.Distance, &d.MoveCount, &d.DirectionChanges, &d.MaxVelocity, &d.AvgVelocity, &d.FileCount, &d.ShakeDetected); err != nil {
			return nil, fmt.Errorf("scan drag session: %w", err)
		}
		sessions = append(sessions, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drag sessions: %w", err)
	}

	return sessions, nil
}

func scanShelfSessions(rows *sql.Rows) ([]ShelfSession, error) {
	var sessions []ShelfSession

	for rows.Next() {
		var sh ShelfSession
		if err := rows.Scan(&sh.ID, &sh.ShelfID, &sh.CreatedNs, &sh.DestroyedNs, &sh.ItemCount, &sh.Pinned, &sh.AutoHidden); err != nil {
			return nil, fmt.Errorf("scan shelf session: %w", err)
		}
		sessions = append(sessions, sh)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shelf sessions: %w", err)
	}

	return sessions, nil
}

func scanHealthIncidents(rows *sql.Rows) ([]HealthIncident, error) {
	var incidents []HealthIncident

	for rows.Next() {
		var h HealthIncident
		var message sql.NullString
		if err := rows.Scan(&h.ID, &h.AtNs, &h.Module, &h.Status, &message); err != nil {
			return nil, fmt.Errorf("scan health incident: %w", err)
		}
		h.Message = message.String
		incidents = append(incidents, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate health incidents: %w", err)
	}

	return incidents, nil
}
