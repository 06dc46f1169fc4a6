// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver
	"github.com/google/uuid"

	"github.com/tomtom215/streamguard/internal/logging"
	"github.com/tomtom215/streamguard/internal/models"
)

// DuckDBStore is the production Store, backed by an embedded DuckDB database.
type DuckDBStore struct {
	db *sql.DB
}

// OpenDuckDB opens (or creates) the database at path and bootstraps the
// schema. An empty path opens an in-memory database.
func OpenDuckDB(path, maxMemory string) (*DuckDBStore, error) {
	dsn := path
	if maxMemory != "" {
		dsn = fmt.Sprintf("%s?memory_limit=%s", path, maxMemory)
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb at %q: %w", path, err)
	}

	// DuckDB is embedded and single-writer; a small pool avoids write
	// contention without starving readers.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	s := &DuckDBStore{db: db}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Info().Str("path", path).Msg("DuckDB store opened")
	return s, nil
}

func (s *DuckDBStore) bootstrap() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id VARCHAR PRIMARY KEY,
			backend VARCHAR NOT NULL,
			url VARCHAR NOT NULL,
			token_ref VARCHAR NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT true,
			health VARCHAR NOT NULL DEFAULT 'up',
			health_changed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS server_users (
			id VARCHAR PRIMARY KEY,
			server_id VARCHAR,
			external_id VARCHAR NOT NULL UNIQUE,
			username VARCHAR NOT NULL DEFAULT '',
			trust_score INTEGER NOT NULL,
			last_violation_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR PRIMARY KEY,
			server_id VARCHAR NOT NULL,
			session_key VARCHAR NOT NULL,
			reference_id VARCHAR NOT NULL DEFAULT '',
			user_id VARCHAR NOT NULL,
			media_title VARCHAR NOT NULL,
			media_type VARCHAR NOT NULL DEFAULT '',
			platform VARCHAR NOT NULL DEFAULT '',
			ip_address VARCHAR NOT NULL DEFAULT '',
			city VARCHAR NOT NULL DEFAULT '',
			country VARCHAR NOT NULL DEFAULT '',
			latitude DOUBLE NOT NULL DEFAULT 0,
			longitude DOUBLE NOT NULL DEFAULT 0,
			transcode BOOLEAN NOT NULL DEFAULT false,
			paused BOOLEAN NOT NULL DEFAULT false,
			progress_ms BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			paused_ms BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			last_seen_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			state VARCHAR NOT NULL DEFAULT 'open'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_started ON sessions (user_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS violations (
			id VARCHAR PRIMARY KEY,
			rule_type VARCHAR NOT NULL,
			user_id VARCHAR NOT NULL,
			username VARCHAR NOT NULL DEFAULT '',
			server_id VARCHAR NOT NULL DEFAULT '',
			severity VARCHAR NOT NULL,
			title VARCHAR NOT NULL,
			message VARCHAR NOT NULL,
			detail VARCHAR NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			acknowledged_by VARCHAR NOT NULL DEFAULT '',
			acknowledged_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_user_created ON violations (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS devices (
			user_id VARCHAR NOT NULL,
			platform VARCHAR NOT NULL,
			first_seen_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, platform)
		)`,
		`CREATE SEQUENCE IF NOT EXISTS rules_id_seq`,
		`CREATE TABLE IF NOT EXISTS rules (
			id BIGINT PRIMARY KEY DEFAULT nextval('rules_id_seq'),
			rule_type VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			config VARCHAR NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrapping schema: %w", err)
		}
	}
	return nil
}

func (s *DuckDBStore) Servers() Servers         { return &dbServers{db: s.db} }
func (s *DuckDBStore) ServerUsers() ServerUsers { return &dbUsers{db: s.db} }
func (s *DuckDBStore) Sessions() Sessions       { return &dbSessions{db: s.db} }
func (s *DuckDBStore) Violations() Violations   { return &dbViolations{db: s.db} }
func (s *DuckDBStore) Devices() Devices         { return &dbDevices{db: s.db} }
func (s *DuckDBStore) Rules() Rules             { return &dbRules{db: s.db} }

func (s *DuckDBStore) Close() error {
	return s.db.Close()
}

type dbServers struct{ db *sql.DB }

func (r *dbServers) Upsert(ctx context.Context, server *models.Server) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO servers (id, backend, url, token_ref, active, health, health_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			backend = excluded.backend,
			url = excluded.url,
			token_ref = excluded.token_ref,
			active = excluded.active`,
		server.ID, string(server.Backend), server.URL, server.TokenRef,
		server.Active, string(server.Health), server.HealthChangedAt)
	return err
}

func (r *dbServers) Get(ctx context.Context, id string) (*models.Server, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, backend, url, token_ref, active, health, health_changed_at
		FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

func (r *dbServers) List(ctx context.Context) ([]models.Server, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, backend, url, token_ref, active, health, health_changed_at
		FROM servers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *dbServers) SetHealth(ctx context.Context, id string, health models.HealthState, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE servers SET health = ?, health_changed_at = ? WHERE id = ?`,
		string(health), at, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *dbServers) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE servers SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanServer(row scannable) (*models.Server, error) {
	var s models.Server
	var backend, health string
	var changedAt sql.NullTime
	err := row.Scan(&s.ID, &backend, &s.URL, &s.TokenRef, &s.Active, &health, &changedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Backend = models.BackendType(backend)
	s.Health = models.HealthState(health)
	if changedAt.Valid {
		s.HealthChangedAt = changedAt.Time
	}
	return &s, nil
}

type dbUsers struct{ db *sql.DB }

func (r *dbUsers) UpsertByExternalID(ctx context.Context, serverID *string, externalID, username string, baseline int) (*models.ServerUser, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO server_users (id, server_id, external_id, username, trust_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE server_users.username END,
			updated_at = excluded.updated_at`,
		uuid.NewString(), serverID, externalID, username, baseline, now, now)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT id, server_id, external_id, username, trust_score, last_violation_at, created_at, updated_at
		FROM server_users WHERE external_id = ?`, externalID)
	return scanUser(row)
}

func (r *dbUsers) Get(ctx context.Context, id string) (*models.ServerUser, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, server_id, external_id, username, trust_score, last_violation_at, created_at, updated_at
		FROM server_users WHERE id = ?`, id)
	return scanUser(row)
}

func (r *dbUsers) SetTrustScore(ctx context.Context, id string, score int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE server_users SET trust_score = ?, updated_at = ? WHERE id = ?`,
		score, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *dbUsers) RecordViolationAt(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE server_users SET last_violation_at = ?, updated_at = ? WHERE id = ?`,
		at, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *dbUsers) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM server_users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanUser(row scannable) (*models.ServerUser, error) {
	var u models.ServerUser
	var serverID sql.NullString
	var lastViolation sql.NullTime
	err := row.Scan(&u.ID, &serverID, &u.ExternalID, &u.Username, &u.TrustScore,
		&lastViolation, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		u.ServerID = &serverID.String
	}
	if lastViolation.Valid {
		t := lastViolation.Time
		u.LastViolationAt = &t
	}
	return &u, nil
}

type dbSessions struct{ db *sql.DB }

func (r *dbSessions) Upsert(ctx context.Context, s *models.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, server_id, session_key, reference_id, user_id, media_title,
			media_type, platform, ip_address, city, country, latitude, longitude,
			transcode, paused, progress_ms, duration_ms, paused_ms,
			started_at, last_seen_at, ended_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			paused = excluded.paused,
			transcode = excluded.transcode,
			progress_ms = excluded.progress_ms,
			duration_ms = excluded.duration_ms,
			paused_ms = excluded.paused_ms,
			last_seen_at = excluded.last_seen_at,
			ended_at = excluded.ended_at,
			state = excluded.state`,
		s.ID, s.ServerID, s.SessionKey, s.ReferenceID, s.UserID, s.MediaTitle,
		s.MediaType, s.Platform, s.IPAddress, s.City, s.Country, s.Latitude, s.Longitude,
		s.Transcode, s.Paused, s.ProgressMs, s.DurationMs, s.PausedMs,
		s.StartedAt, s.LastSeenAt, s.EndedAt, string(s.State))
	return err
}

func (r *dbSessions) Close(ctx context.Context, id string, endedAt time.Time) error {
	// Closing an already-closed session is a no-op, not an error.
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET state = 'closed', ended_at = ?
		WHERE id = ? AND state = 'open'`, endedAt, id)
	return err
}

func (r *dbSessions) LastForUser(ctx context.Context, userID string, before time.Time, excludeID string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, sessionSelect+`
		WHERE user_id = ? AND started_at < ? AND id != ?
		ORDER BY started_at DESC LIMIT 1`, userID, before, excludeID)
	return scanSession(row)
}

func (r *dbSessions) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, sessionSelect+`
		WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

const sessionSelect = `
	SELECT id, server_id, session_key, reference_id, user_id, media_title,
		media_type, platform, ip_address, city, country, latitude, longitude,
		transcode, paused, progress_ms, duration_ms, paused_ms,
		started_at, last_seen_at, ended_at, state
	FROM sessions`

func scanSession(row scannable) (*models.Session, error) {
	var s models.Session
	var endedAt sql.NullTime
	var state string
	err := row.Scan(&s.ID, &s.ServerID, &s.SessionKey, &s.ReferenceID, &s.UserID, &s.MediaTitle,
		&s.MediaType, &s.Platform, &s.IPAddress, &s.City, &s.Country, &s.Latitude, &s.Longitude,
		&s.Transcode, &s.Paused, &s.ProgressMs, &s.DurationMs, &s.PausedMs,
		&s.StartedAt, &s.LastSeenAt, &endedAt, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	s.State = models.SessionState(state)
	return &s, nil
}

type dbViolations struct{ db *sql.DB }

func (r *dbViolations) Insert(ctx context.Context, v *models.Violation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO violations (id, rule_type, user_id, username, server_id, severity,
			title, message, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, string(v.RuleType), v.UserID, v.Username, v.ServerID, string(v.Severity),
		v.Title, v.Message, string(v.Detail), v.CreatedAt)
	return err
}

func (r *dbViolations) Acknowledge(ctx context.Context, id, by string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE violations SET acknowledged_by = ?, acknowledged_at = ? WHERE id = ?`,
		by, at, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *dbViolations) List(ctx context.Context, filter ViolationFilter) ([]models.Violation, error) {
	query := `
		SELECT id, rule_type, user_id, username, server_id, severity,
			title, message, detail, created_at, acknowledged_by, acknowledged_at
		FROM violations WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.RuleType != "" {
		query += ` AND rule_type = ?`
		args = append(args, string(filter.RuleType))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.Acknowledged != nil {
		if *filter.Acknowledged {
			query += ` AND acknowledged_at IS NOT NULL`
		} else {
			query += ` AND acknowledged_at IS NULL`
		}
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Violation
	for rows.Next() {
		var v models.Violation
		var ruleType, severity, detail string
		var ackAt sql.NullTime
		if err := rows.Scan(&v.ID, &ruleType, &v.UserID, &v.Username, &v.ServerID, &severity,
			&v.Title, &v.Message, &detail, &v.CreatedAt, &v.AcknowledgedBy, &ackAt); err != nil {
			return nil, err
		}
		v.RuleType = models.RuleType(ruleType)
		v.Severity = models.Severity(severity)
		if detail != "" {
			v.Detail = []byte(detail)
		}
		if ackAt.Valid {
			t := ackAt.Time
			v.AcknowledgedAt = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type dbDevices struct{ db *sql.DB }

func (r *dbDevices) Seen(ctx context.Context, userID, platform string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE user_id = ? AND platform = ?`,
		userID, platform).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *dbDevices) Record(ctx context.Context, userID, platform string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (user_id, platform, first_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, platform) DO NOTHING`,
		userID, platform, at)
	return err
}

type dbRules struct{ db *sql.DB }

func (r *dbRules) List(ctx context.Context) ([]models.Rule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, rule_type, name, enabled, config, created_at, updated_at
		FROM rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Rule
	for rows.Next() {
		var rule models.Rule
		var ruleType, config string
		if err := rows.Scan(&rule.ID, &ruleType, &rule.Name, &rule.Enabled,
			&config, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rule.RuleType = models.RuleType(ruleType)
		rule.Config = []byte(config)
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *dbRules) Save(ctx context.Context, rule *models.Rule) error {
	now := time.Now().UTC()
	if rule.ID == 0 {
		rule.CreatedAt = now
		rule.UpdatedAt = now
		return r.db.QueryRowContext(ctx, `
			INSERT INTO rules (rule_type, name, enabled, config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
			string(rule.RuleType), rule.Name, rule.Enabled, string(rule.Config),
			rule.CreatedAt, rule.UpdatedAt).Scan(&rule.ID)
	}
	rule.UpdatedAt = now
	res, err := r.db.ExecContext(ctx, `
		UPDATE rules SET rule_type = ?, name = ?, enabled = ?, config = ?, updated_at = ?
		WHERE id = ?`,
		string(rule.RuleType), rule.Name, rule.Enabled, string(rule.Config),
		rule.UpdatedAt, rule.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
