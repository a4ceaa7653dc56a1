// Package store is the record store every pipeline stage coordinates
// through. Stages never call each other; they claim rows matching their
// predicate and write back the single field they own, guarded by the same
// predicate, so duplicate claims never produce duplicate effects.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hoshiyomi-live/hoshiyomi/internal/config"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite-backed message and reading-status tables.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS chat_messages (
    id TEXT PRIMARY KEY,
    payload BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS reading_status (
    message_id TEXT PRIMARY KEY,
    classification TEXT NOT NULL DEFAULT 'unclassified',
    required_info TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT '',
    result_audio_path TEXT NOT NULL DEFAULT '',
    is_played INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    FOREIGN KEY(message_id) REFERENCES chat_messages(id)
);
CREATE INDEX IF NOT EXISTS idx_reading_status_claim
    ON reading_status(classification, is_played, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertMessage persists a raw chat event. Re-delivered events with the
// same id are absorbed silently.
func (s *Store) InsertMessage(ctx context.Context, id string, payload []byte) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages(id, payload, created_at, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, payload, now, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// EnsureStatus creates the reading-status row for a message if absent.
func (s *Store) EnsureStatus(ctx context.Context, messageID string) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reading_status(message_id, classification, created_at, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		messageID, string(reading.Unclassified), now, now)
	if err != nil {
		return fmt.Errorf("ensure status: %w", err)
	}
	return nil
}

// Message returns the stored payload for a message id.
func (s *Store) Message(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM chat_messages WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	return payload, nil
}

// ClaimedRow is a reading-status row joined with its message payload for
// stages that need the original comment.
type ClaimedRow struct {
	reading.Status
	Payload []byte
}

const statusColumns = `s.message_id, s.classification, s.required_info, s.result,
	s.result_audio_path, s.is_played, s.attempts, s.failed, s.created_at, s.updated_at`

// ClaimUnclassified selects rows awaiting classification, oldest first.
func (s *Store) ClaimUnclassified(ctx context.Context, limit int) ([]ClaimedRow, error) {
	return s.claimJoined(ctx, `s.classification = ?`, limit, string(reading.Unclassified))
}

// ClaimExtractable selects target rows with no required-info document yet.
func (s *Store) ClaimExtractable(ctx context.Context, limit int) ([]ClaimedRow, error) {
	return s.claimJoined(ctx,
		`s.classification = ? AND s.required_info = '' AND s.failed = 0`,
		limit, string(reading.Target))
}

func (s *Store) claimJoined(ctx context.Context, where string, limit int, args ...any) ([]ClaimedRow, error) {
	if limit <= 0 {
		limit = 1
	}
	query := fmt.Sprintf(
		`SELECT %s, m.payload
		 FROM reading_status s JOIN chat_messages m ON m.id = s.message_id
		 WHERE %s ORDER BY s.created_at ASC LIMIT %d`,
		statusColumns, where, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	defer rows.Close()

	var claimed []ClaimedRow
	for rows.Next() {
		var row ClaimedRow
		if err := scanStatus(rows, &row.Status, &row.Payload); err != nil {
			return nil, err
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	return claimed, nil
}

// ClaimGeneratable selects rows with a usable required-info document and no
// result yet. The insufficient sentinel is excluded permanently.
func (s *Store) ClaimGeneratable(ctx context.Context, limit int) ([]reading.Status, error) {
	return s.claimStatuses(ctx,
		`s.classification = ? AND s.required_info != '' AND s.required_info != ?
		 AND s.result = '' AND s.failed = 0`,
		limit, string(reading.Target), reading.InsufficientDoc)
}

// ClaimSynthesizable selects rows with a result and no audio artifact yet.
func (s *Store) ClaimSynthesizable(ctx context.Context, limit int) ([]reading.Status, error) {
	return s.claimStatuses(ctx,
		`s.result != '' AND s.result_audio_path = '' AND s.failed = 0`, limit)
}

func (s *Store) claimStatuses(ctx context.Context, where string, limit int, args ...any) ([]reading.Status, error) {
	if limit <= 0 {
		limit = 1
	}
	query := fmt.Sprintf(
		`SELECT %s FROM reading_status s WHERE %s ORDER BY s.created_at ASC LIMIT %d`,
		statusColumns, where, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim statuses: %w", err)
	}
	defer rows.Close()

	var statuses []reading.Status
	for rows.Next() {
		var st reading.Status
		if err := scanStatus(rows, &st, nil); err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim statuses: %w", err)
	}
	return statuses, nil
}

// NextPlayable returns the single oldest rendered, unplayed row, or nil
// when the playback queue is empty.
func (s *Store) NextPlayable(ctx context.Context) (*reading.Status, error) {
	statuses, err := s.claimStatuses(ctx,
		`s.result_audio_path != '' AND s.is_played = 0 AND s.failed = 0`, 1)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	return &statuses[0], nil
}

// SetClassification records the ternary decision. The guard makes the write
// first-wins: a row already holding a terminal decision is never revisited.
func (s *Store) SetClassification(ctx context.Context, messageID string, c reading.Classification) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reading_status SET classification = ?, updated_at = ?
		 WHERE message_id = ? AND classification = ?`,
		string(c), s.clock().UTC(), messageID, string(reading.Unclassified))
	if err != nil {
		return fmt.Errorf("set classification: %w", err)
	}
	return nil
}

// SetRequiredInfo writes the extraction output (or the insufficient
// sentinel). Only empty target rows accept it.
func (s *Store) SetRequiredInfo(ctx context.Context, messageID, doc string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reading_status SET required_info = ?, attempts = 0, updated_at = ?
		 WHERE message_id = ? AND classification = ? AND required_info = ''`,
		doc, s.clock().UTC(), messageID, string(reading.Target))
	if err != nil {
		return fmt.Errorf("set required info: %w", err)
	}
	return nil
}

// SetResult writes the generated reading text for a row whose required info
// is usable and whose result is still empty.
func (s *Store) SetResult(ctx context.Context, messageID, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reading_status SET result = ?, attempts = 0, updated_at = ?
		 WHERE message_id = ? AND required_info != '' AND required_info != ? AND result = ''`,
		text, s.clock().UTC(), messageID, reading.InsufficientDoc)
	if err != nil {
		return fmt.Errorf("set result: %w", err)
	}
	return nil
}

// SetAudioPath records the rendered artifact for a row with a result and no
// artifact yet. Writing the same deterministic path twice is a no-op.
func (s *Store) SetAudioPath(ctx context.Context, messageID, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reading_status SET result_audio_path = ?, attempts = 0, updated_at = ?
		 WHERE message_id = ? AND result != '' AND result_audio_path = ''`,
		path, s.clock().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("set audio path: %w", err)
	}
	return nil
}

// MarkPlayed flips the played flag after playback has completed.
func (s *Store) MarkPlayed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reading_status SET is_played = 1, updated_at = ?
		 WHERE message_id = ? AND result_audio_path != '' AND is_played = 0`,
		s.clock().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark played: %w", err)
	}
	return nil
}

// BumpAttempts counts one transient external failure against the row and
// escalates it to failed once the cap is reached.
func (s *Store) BumpAttempts(ctx context.Context, messageID string, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reading_status
		 SET attempts = attempts + 1,
		     failed = CASE WHEN attempts + 1 >= ? THEN 1 ELSE failed END,
		     updated_at = ?
		 WHERE message_id = ?`,
		maxAttempts, s.clock().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("bump attempts: %w", err)
	}
	return nil
}

// MarkFailed escalates a row immediately, for permanent non-content errors.
func (s *Store) MarkFailed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reading_status SET failed = 1, updated_at = ? WHERE message_id = ?`,
		s.clock().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Status returns the full status row for one message, or nil when the
// message is unknown.
func (s *Store) Status(ctx context.Context, messageID string) (*reading.Status, error) {
	statuses, err := s.claimStatuses(ctx, `s.message_id = ?`, 1, messageID)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	return &statuses[0], nil
}

// ListReadings returns rows whose required info has been filled, oldest
// first, for the operator refresh view. Rows closed with the insufficient
// marker are included; they are the operator's cue that a request needs a
// follow-up comment.
func (s *Store) ListReadings(ctx context.Context, limit int) ([]reading.Status, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.claimStatuses(ctx, `s.required_info != ''`, limit)
}

// Counts are the aggregate dashboard numbers per stage boundary.
type Counts struct {
	Messages  int64 `json:"messages"`
	Targets   int64 `json:"targets"`
	Ready     int64 `json:"ready"`
	Completed int64 `json:"completed"`
	Rendered  int64 `json:"rendered"`
	Played    int64 `json:"played"`
	Failed    int64 `json:"failed"`
}

// Counts computes the derived aggregate view. Read-only, not on the write
// path of any stage.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages`).Scan(&c.Messages); err != nil {
		return Counts{}, fmt.Errorf("count messages: %w", err)
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT
		  COALESCE(SUM(CASE WHEN classification = ? THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN required_info != '' AND required_info != ? THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN result != '' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN result_audio_path != '' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN is_played = 1 THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0)
		FROM reading_status`,
		string(reading.Target), reading.InsufficientDoc).
		Scan(&c.Targets, &c.Ready, &c.Completed, &c.Rendered, &c.Played, &c.Failed)
	if err != nil {
		return Counts{}, fmt.Errorf("count statuses: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(r rowScanner, st *reading.Status, payload *[]byte) error {
	var (
		classification   string
		played, failed   int
		created, updated string
	)
	dest := []any{
		&st.MessageID, &classification, &st.RequiredInfo, &st.Result,
		&st.ResultAudioPath, &played, &st.Attempts, &failed, &created, &updated,
	}
	if payload != nil {
		dest = append(dest, payload)
	}
	if err := r.Scan(dest...); err != nil {
		return fmt.Errorf("scan status: %w", err)
	}
	st.Classification = reading.Classification(classification)
	st.IsPlayed = played != 0
	st.Failed = failed != 0
	st.CreatedAt = parseTime(created)
	st.UpdatedAt = parseTime(updated)
	return nil
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
