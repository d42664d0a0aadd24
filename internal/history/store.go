// Package history keeps steady detection cycles in SQLite so latency and
// object counts can be charted after the fact. The warm-up cycle never
// reaches the store because the scheduler does not report it.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"github.com/e7canasta/orion-player/detection"
	"github.com/e7canasta/orion-player/scheduler"
)

// DefaultLimit caps Recent when the caller passes no limit.
const DefaultLimit = 100

// Record is one stored cycle.
type Record struct {
	ID                int64              `json:"id"`
	Seq               uint64             `json:"seq"`
	Timestamp         time.Time          `json:"timestamp"`
	LatencyMS         float64            `json:"latency_ms"`
	FunctionName      string             `json:"function_name,omitempty"`
	ObjectCount       int                `json:"object_count"`
	DroppedFrames     uint64             `json:"dropped_frames"`
	StateFrameCounter uint64             `json:"state_frame_counter"`
	Objects           []detection.Result `json:"objects"`
}

// Store is a SQLite-backed cycle history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbPath := path
	if idx := strings.Index(path, "?"); idx != -1 {
		dbPath = path[:idx]
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "_busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&_busy_timeout=5000"
		} else {
			dsn += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("history: store opened", "path", dbPath)
	return &Store{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	const createCycles = `
    CREATE TABLE IF NOT EXISTS cycles (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        seq INTEGER NOT NULL,
        timestamp DATETIME NOT NULL,
        latency_ms REAL NOT NULL,
        function_name TEXT,
        object_count INTEGER NOT NULL DEFAULT 0,
        dropped_frames INTEGER NOT NULL DEFAULT 0,
        state_frame_counter INTEGER NOT NULL DEFAULT 0,
        objects TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_cycles_timestamp ON cycles(timestamp);
    `
	if _, err := db.Exec(createCycles); err != nil {
		return fmt.Errorf("failed to create cycles table: %w", err)
	}
	return nil
}

// ObserveCycle implements scheduler.CycleObserver. Write failures are logged;
// history never interrupts detection.
func (s *Store) ObserveCycle(r scheduler.CycleReport) {
	if err := s.Insert(r); err != nil {
		s.logger.Warn("history: failed to store cycle", "seq", r.Seq, "error", err)
	}
}

// Insert stores one cycle.
func (s *Store) Insert(r scheduler.CycleReport) error {
	objects := r.Output.Objects
	if objects == nil {
		objects = []detection.Result{}
	}
	objectsJSON, err := json.Marshal(objects)
	if err != nil {
		return fmt.Errorf("failed to marshal objects: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO cycles (
			seq, timestamp, latency_ms, function_name, object_count,
			dropped_frames, state_frame_counter, objects
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Seq,
		r.Timestamp.UTC(),
		float64(r.Latency)/float64(time.Millisecond),
		r.FunctionName,
		len(objects),
		r.DroppedFrames,
		r.StateFrameCounter,
		string(objectsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}
	return nil
}

// Recent returns up to limit cycles, newest first. limit ≤ 0 means
// DefaultLimit.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.db.Query(`
		SELECT id, seq, timestamp, latency_ms, function_name, object_count,
		       dropped_frames, state_frame_counter, objects
		FROM cycles
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var function sql.NullString
		var objectsJSON string

		if err := rows.Scan(
			&rec.ID,
			&rec.Seq,
			&rec.Timestamp,
			&rec.LatencyMS,
			&function,
			&rec.ObjectCount,
			&rec.DroppedFrames,
			&rec.StateFrameCounter,
			&objectsJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}

		rec.FunctionName = function.String
		if err := json.Unmarshal([]byte(objectsJSON), &rec.Objects); err != nil {
			return nil, fmt.Errorf("failed to unmarshal objects: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cycles: %w", err)
	}

	return records, nil
}

// Count returns the number of stored cycles.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cycles").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cycles: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
