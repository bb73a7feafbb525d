// Package store is the Metadata Store: a single-file SQLite database
// holding channels, streams, EPG data, session history, settings, and
// logs. It follows the same database/sql + modernc.org/sqlite idiom the
// rest of this codebase uses to talk to SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tunerbridge/tunerd/internal/model"
)

// Store wraps a *sql.DB open against a single SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id           TEXT PRIMARY KEY,
	guide_number TEXT NOT NULL,
	guide_name   TEXT NOT NULL,
	tvg_id       TEXT,
	favorite     INTEGER NOT NULL DEFAULT 0,
	hd           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_channels_guide_number ON channels(guide_number);

CREATE TABLE IF NOT EXISTS streams (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id  TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	url         TEXT NOT NULL,
	priority    INTEGER NOT NULL DEFAULT 0,
	profile     TEXT
);
CREATE INDEX IF NOT EXISTS idx_streams_channel ON streams(channel_id, priority);

CREATE TABLE IF NOT EXISTS epg_sources (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	url      TEXT NOT NULL,
	cache_ttl_seconds INTEGER NOT NULL DEFAULT 3600
);

CREATE TABLE IF NOT EXISTS epg_channels (
	source_id    TEXT NOT NULL REFERENCES epg_sources(id) ON DELETE CASCADE,
	tvg_id       TEXT NOT NULL,
	display_name TEXT NOT NULL,
	PRIMARY KEY (source_id, tvg_id)
);

CREATE TABLE IF NOT EXISTS epg_programs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id  TEXT NOT NULL REFERENCES epg_sources(id) ON DELETE CASCADE,
	tvg_id     TEXT NOT NULL,
	title      TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time   INTEGER NOT NULL,
	descr      TEXT
);
CREATE INDEX IF NOT EXISTS idx_epg_programs_lookup ON epg_programs(source_id, tvg_id, start_time);

CREATE TABLE IF NOT EXISTS stream_sessions (
	id              TEXT PRIMARY KEY,
	stream_id       TEXT NOT NULL DEFAULT '',
	channel_id      TEXT NOT NULL,
	channel_name    TEXT NOT NULL DEFAULT '',
	stream_url      TEXT NOT NULL DEFAULT '',
	client_fp       TEXT NOT NULL,
	remote_addr     TEXT NOT NULL,
	user_agent      TEXT,
	state           TEXT NOT NULL,
	started_at      INTEGER NOT NULL,
	last_activity   INTEGER NOT NULL,
	ended_at        INTEGER,
	bytes_streamed  INTEGER NOT NULL DEFAULT 0,
	bitrate_bps     INTEGER NOT NULL DEFAULT 0,
	avg_bitrate_bps INTEGER NOT NULL DEFAULT 0,
	peak_bitrate_bps INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	stop_reason     TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON stream_sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON stream_sessions(started_at);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS logs (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	at        INTEGER NOT NULL,
	level     TEXT NOT NULL,
	component TEXT NOT NULL,
	message   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_at ON logs(at);
`

// Open creates path's parent directory if needed, opens the database,
// applies schema, and returns a ready Store. A corrupt file is moved
// aside (".corrupt-<unix-nanoseconds>") and a fresh database is created in
// its place.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, avoid SQLITE_BUSY under our own mutex-free use
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		if moveErr := quarantine(path); moveErr == nil {
			db2, err2 := sql.Open("sqlite", path)
			if err2 == nil {
				db2.SetMaxOpenConns(1)
				if _, err3 := db2.Exec(schema); err3 == nil {
					return &Store{db: db2, path: path}, nil
				}
				db2.Close()
			}
		}
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func quarantine(path string) error {
	return os.Rename(path, fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano()))
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertChannel inserts or replaces a channel row.
func (s *Store) UpsertChannel(ctx context.Context, ch model.Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, guide_number, guide_name, tvg_id, favorite, hd)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			guide_number=excluded.guide_number,
			guide_name=excluded.guide_name,
			tvg_id=excluded.tvg_id,
			favorite=excluded.favorite,
			hd=excluded.hd`,
		ch.ID, ch.GuideNumber, ch.GuideName, ch.TVGID, boolToInt(ch.Favorite), boolToInt(ch.HD))
	if err != nil {
		return fmt.Errorf("store: upsert channel %s: %w", ch.ID, err)
	}
	return nil
}

// ReplaceStreams deletes and re-inserts every Stream row for a channel
// inside a single transaction, so readers never see a partial stream list.
func (s *Store) ReplaceStreams(ctx context.Context, channelID string, streams []model.Stream) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("store: clear streams for %s: %w", channelID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO streams (channel_id, url, priority, profile) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare stream insert: %w", err)
	}
	defer stmt.Close()
	for _, st := range streams {
		if _, err := stmt.ExecContext(ctx, channelID, st.URL, st.Priority, nullIfEmpty(st.Profile)); err != nil {
			return fmt.Errorf("store: insert stream for %s: %w", channelID, err)
		}
	}
	return tx.Commit()
}

// ListChannels returns every channel ordered by guide number.
func (s *Store) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, guide_number, guide_name, COALESCE(tvg_id, ''), favorite, hd FROM channels ORDER BY guide_number`)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer rows.Close()
	var out []model.Channel
	for rows.Next() {
		var ch model.Channel
		var fav, hd int
		if err := rows.Scan(&ch.ID, &ch.GuideNumber, &ch.GuideName, &ch.TVGID, &fav, &hd); err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		ch.Favorite = fav != 0
		ch.HD = hd != 0
		out = append(out, ch)
	}
	return out, rows.Err()
}

// StreamsForChannel returns a channel's candidate streams ordered by priority.
func (s *Store) StreamsForChannel(ctx context.Context, channelID string) ([]model.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, channel_id, url, priority, COALESCE(profile, '') FROM streams WHERE channel_id = ? ORDER BY priority`, channelID)
	if err != nil {
		return nil, fmt.Errorf("store: streams for %s: %w", channelID, err)
	}
	defer rows.Close()
	var out []model.Stream
	for rows.Next() {
		var st model.Stream
		if err := rows.Scan(&st.ID, &st.ChannelID, &st.URL, &st.Priority, &st.Profile); err != nil {
			return nil, fmt.Errorf("store: scan stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecordSession upserts a session's current state (the session manager
// calls it when a session is admitted and when it ends).
func (s *Store) RecordSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_sessions (id, stream_id, channel_id, channel_name, stream_url, client_fp, remote_addr, user_agent, state, started_at, last_activity, ended_at, bytes_streamed, bitrate_bps, avg_bitrate_bps, peak_bitrate_bps, error_count, stop_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state,
			last_activity=excluded.last_activity,
			ended_at=excluded.ended_at,
			bytes_streamed=excluded.bytes_streamed,
			bitrate_bps=excluded.bitrate_bps,
			avg_bitrate_bps=excluded.avg_bitrate_bps,
			peak_bitrate_bps=excluded.peak_bitrate_bps,
			error_count=excluded.error_count,
			stop_reason=excluded.stop_reason`,
		sess.ID, sess.StreamID, sess.ChannelID, sess.ChannelName, sess.StreamURL, sess.ClientFP, sess.RemoteAddr, sess.UserAgent, string(sess.State),
		sess.StartedAt.Unix(), sess.LastActivity.Unix(), nullableUnix(sess.EndedAt), sess.BytesStreamed, sess.BitrateBPS,
		sess.AvgBitrateBPS, sess.PeakBitrateBPS, sess.ErrorCount, nullIfEmpty(sess.StopReason))
	if err != nil {
		return fmt.Errorf("store: record session %s: %w", sess.ID, err)
	}
	return nil
}

// SessionHistory returns stopped sessions ordered most-recent-first, for the
// operator history endpoint.
func (s *Store) SessionHistory(ctx context.Context, limit, offset int) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, channel_id, channel_name, stream_url, client_fp, remote_addr, COALESCE(user_agent, ''),
		       state, started_at, last_activity, ended_at, bytes_streamed, bitrate_bps, avg_bitrate_bps, peak_bitrate_bps,
		       error_count, COALESCE(stop_reason, '')
		FROM stream_sessions
		WHERE state = 'stopped'
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: session history: %w", err)
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		var sess model.Session
		var started, lastActivity int64
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.StreamID, &sess.ChannelID, &sess.ChannelName, &sess.StreamURL, &sess.ClientFP,
			&sess.RemoteAddr, &sess.UserAgent, &sess.State, &started, &lastActivity, &ended, &sess.BytesStreamed,
			&sess.BitrateBPS, &sess.AvgBitrateBPS, &sess.PeakBitrateBPS, &sess.ErrorCount, &sess.StopReason); err != nil {
			return nil, fmt.Errorf("store: scan session history row: %w", err)
		}
		sess.StartedAt = time.Unix(started, 0)
		sess.LastActivity = time.Unix(lastActivity, 0)
		if ended.Valid {
			t := time.Unix(ended.Int64, 0)
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ProgramsForChannel returns epg_programs rows for tvgID that overlap
// [windowStart, windowEnd), ordered by start time, across every configured
// guide source.
func (s *Store) ProgramsForChannel(ctx context.Context, tvgID string, windowStart, windowEnd time.Time) ([]model.Program, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, tvg_id, title, start_time, end_time, COALESCE(descr, '')
		FROM epg_programs
		WHERE tvg_id = ? AND start_time < ? AND end_time > ?
		ORDER BY start_time ASC`, tvgID, windowEnd.Unix(), windowStart.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: programs for channel: %w", err)
	}
	defer rows.Close()
	var out []model.Program
	for rows.Next() {
		var p model.Program
		var start, end int64
		if err := rows.Scan(&p.SourceID, &p.TVGID, &p.Title, &start, &end, &p.Descr); err != nil {
			return nil, fmt.Errorf("store: scan program row: %w", err)
		}
		p.StartTime = time.Unix(start, 0)
		p.EndTime = time.Unix(end, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneSessions deletes stopped sessions whose last activity is older than
// olderThan.
func (s *Store) PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM stream_sessions WHERE state = 'stopped' AND last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// AppendLog writes one row to the logs table. Nothing in this codebase
// reads the table back.
func (s *Store) AppendLog(ctx context.Context, level, component, message string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO logs (at, level, component, message) VALUES (?, ?, ?, ?)`,
		time.Now().Unix(), level, component, message)
	return err
}

// GetSettingRows returns every persisted dotted-key -> JSON-encoded-value
// row, satisfying the config.settingsStore contract for the Settings Store.
func (s *Store) GetSettingRows(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value_json FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("store: load settings: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan setting row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// UpsertSettingRows inserts or replaces only the given rows, in a single
// transaction, leaving every other persisted key untouched — the "insert-or-
// replace per flat key" contract the Settings Store uses for a partial Update.
func (s *Store) UpsertSettingRows(ctx context.Context, rows map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin settings tx: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("store: prepare setting upsert: %w", err)
	}
	defer stmt.Close()
	now := time.Now().Unix()
	for k, v := range rows {
		if _, err := stmt.ExecContext(ctx, k, v, now); err != nil {
			return fmt.Errorf("store: upsert setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// PutSettingRows replaces the entire settings table with rows, in a single
// transaction — used by Reset, which has already computed the full
// remaining row set after dropping a category's overrides.
func (s *Store) PutSettingRows(ctx context.Context, rows map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin settings tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM settings`); err != nil {
		return fmt.Errorf("store: clear settings: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO settings (key, value_json, updated_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare setting insert: %w", err)
	}
	defer stmt.Close()
	now := time.Now().Unix()
	for k, v := range rows {
		if _, err := stmt.ExecContext(ctx, k, v, now); err != nil {
			return fmt.Errorf("store: insert setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
