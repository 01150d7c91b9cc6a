// Package storage persists protocol history and state snapshots in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrClosed is returned once Close has been called
	ErrClosed = errors.New("storage: closed")
	// ErrNotFound is returned when no snapshot matches
	ErrNotFound = errors.New("storage: not found")
)

const insertLine = `INSERT INTO lines (id, network, direction, time, raw)
	VALUES (:id, :network, :direction, :time, :raw)`

// Storage handles database operations. Lines are buffered and written in
// batches; reads flush the buffer first so they always see every line that
// was handed out an id.
type Storage struct {
	db            *sqlx.DB
	writeBuffer   chan Line
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	lastID        int64
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closed        bool
}

// Open opens (creating if needed) the database at dbPath
func Open(dbPath string, bufferSize int, flushInterval time.Duration) (*Storage, error) {
	// WAL lets readers run alongside the batched writer
	db, err := sqlx.Connect("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	var lastID sql.NullInt64
	if err := db.Get(&lastID, "SELECT MAX(id) FROM lines"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read last line id: %w", err)
	}

	if bufferSize <= 0 {
		bufferSize = 1
	}
	s := &Storage{
		db:            db,
		writeBuffer:   make(chan Line, bufferSize),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		lastID:        lastID.Int64,
		stopCh:        make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

// Close flushes buffered lines and closes the database
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	err := s.flushLocked()
	s.mu.Unlock()
	if err != nil {
		logger.Log.Error().Err(err).Msg("Failed to flush history on close")
	}
	return s.db.Close()
}

func (s *Storage) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil && !errors.Is(err, ErrClosed) {
				logger.Log.Error().Err(err).Msg("Error flushing history")
			}
		}
	}
}

// Flush writes all buffered lines
func (s *Storage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

func (s *Storage) drainLocked() []Line {
	var lines []Line
	for {
		select {
		case l := <-s.writeBuffer:
			lines = append(lines, l)
		default:
			return lines
		}
	}
}

func (s *Storage) flushLocked() error {
	lines := s.drainLocked()
	if len(lines) == 0 {
		return nil
	}
	if _, err := s.db.NamedExec(insertLine, lines); err != nil {
		return fmt.Errorf("failed to write %d lines: %w", len(lines), err)
	}
	return nil
}

// AppendLine assigns the next line id and queues the line for writing
func (s *Storage) AppendLine(network, direction, raw string, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	s.lastID++
	l := Line{ID: s.lastID, Network: network, Direction: direction, Time: t, Raw: raw}
	select {
	case s.writeBuffer <- l:
		return l.ID, nil
	default:
	}

	// buffer full, write it out together with this line
	lines := append(s.drainLocked(), l)
	if _, err := s.db.NamedExec(insertLine, lines); err != nil {
		return l.ID, fmt.Errorf("failed to write %d lines: %w", len(lines), err)
	}
	return l.ID, nil
}

// LastLineID returns the id handed to the most recent line
func (s *Storage) LastLineID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// WriteSnapshot stores a state snapshot covering lines up to lineID. The
// insert and the pruning of superseded snapshots share one transaction, so
// a failure leaves the previous snapshots in place.
func (s *Storage) WriteSnapshot(network string, lineID int64, state []byte, retain int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		return err
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExec(`INSERT INTO snapshots (network, line_id, time, state)
		VALUES (:network, :line_id, :time, :state)`,
		Snapshot{Network: network, LineID: lineID, Time: time.Now(), State: state})
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if retain > 0 {
		_, err = tx.Exec(`DELETE FROM snapshots WHERE network = ? AND id NOT IN
			(SELECT id FROM snapshots WHERE network = ? ORDER BY line_id DESC, id DESC LIMIT ?)`,
			network, network, retain)
		if err != nil {
			return fmt.Errorf("failed to prune snapshots: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot of network covering no line
// after lineID
func (s *Storage) LatestSnapshot(network string, lineID int64) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var snap Snapshot
	err := s.db.Get(&snap, `SELECT * FROM snapshots
		WHERE network = ? AND line_id <= ?
		ORDER BY line_id DESC, id DESC LIMIT 1`, network, lineID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &snap, nil
}

// Lines calls fn for each line of network with after < id <= upTo, in id
// order
func (s *Storage) Lines(network string, after, upTo int64, fn func(Line) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		return err
	}

	rows, err := s.db.Queryx(`SELECT * FROM lines
		WHERE network = ? AND id > ? AND id <= ?
		ORDER BY id`, network, after, upTo)
	if err != nil {
		return fmt.Errorf("failed to get lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.StructScan(&l); err != nil {
			return fmt.Errorf("failed to scan line: %w", err)
		}
		if err := fn(l); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LinesSinceSnapshot counts, per network, the lines stored after that
// network's newest snapshot
func (s *Storage) LinesSinceSnapshot() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		return nil, err
	}

	var rows []struct {
		Network string `db:"network"`
		Count   int    `db:"count"`
	}
	err := s.db.Select(&rows, `SELECT l.network AS network, COUNT(*) AS count FROM lines l
		WHERE l.id > COALESCE((SELECT MAX(s.line_id) FROM snapshots s WHERE s.network = l.network), 0)
		GROUP BY l.network`)
	if err != nil {
		return nil, fmt.Errorf("failed to count lines since snapshot: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Network] = r.Count
	}
	return counts, nil
}

// PruneLines deletes lines of network older than before that no retained
// snapshot needs for replay
func (s *Storage) PruneLines(network string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`DELETE FROM lines WHERE network = ? AND time < ?
		AND id <= (SELECT COALESCE(MIN(line_id), 0) FROM snapshots WHERE network = ?)`,
		network, before, network)
	if err != nil {
		return 0, fmt.Errorf("failed to prune lines: %w", err)
	}
	return res.RowsAffected()
}
