// Package store implements the AutoTest DataStore on top of database/sql.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "github.com/mattn/go-sqlite3"    // sqlite3 driver

	"github.com/omegaup/autotest/common"
)

type dialect struct {
	name         string
	placeholders func(query string) string
	schema       []string
}

func noRebind(query string) string {
	return query
}

// dollarRebind replaces the ? placeholders with $1, $2, ...
func dollarRebind(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

var dialects = map[string]*dialect{
	"sqlite3": {
		name:         "sqlite3",
		placeholders: noRebind,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS pushes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				commit_url TEXT NOT NULL,
				course_id TEXT NOT NULL,
				deliv_id TEXT NOT NULL,
				commit_sha TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pushes_commit ON pushes(commit_url)`,
			`CREATE TABLE IF NOT EXISTS comments (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				commit_url TEXT NOT NULL,
				deliv_id TEXT NOT NULL,
				user_name TEXT NOT NULL,
				bot_mentioned INTEGER NOT NULL,
				payload TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_comments_commit ON comments(commit_url, deliv_id)`,
			`CREATE TABLE IF NOT EXISTS output_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				commit_url TEXT NOT NULL,
				deliv_id TEXT NOT NULL,
				commit_sha TEXT NOT NULL,
				state TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_output_records_commit ON output_records(commit_url, deliv_id)`,
			`CREATE TABLE IF NOT EXISTS feedback_requests (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				course_id TEXT NOT NULL,
				deliv_id TEXT NOT NULL,
				user_name TEXT NOT NULL,
				commit_url TEXT NOT NULL,
				requested_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_feedback_requests_user ON feedback_requests(course_id, deliv_id, user_name)`,
		},
	},
	"mysql": {
		name:         "mysql",
		placeholders: noRebind,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS pushes (
				id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				commit_url VARCHAR(255) NOT NULL,
				course_id VARCHAR(255) NOT NULL,
				deliv_id VARCHAR(255) NOT NULL,
				commit_sha VARCHAR(64) NOT NULL,
				payload LONGTEXT NOT NULL,
				created_at BIGINT NOT NULL,
				INDEX idx_pushes_commit (commit_url)
			)`,
			`CREATE TABLE IF NOT EXISTS comments (
				id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				commit_url VARCHAR(255) NOT NULL,
				deliv_id VARCHAR(255) NOT NULL,
				user_name VARCHAR(255) NOT NULL,
				bot_mentioned TINYINT NOT NULL,
				payload LONGTEXT NOT NULL,
				created_at BIGINT NOT NULL,
				INDEX idx_comments_commit (commit_url, deliv_id)
			)`,
			`CREATE TABLE IF NOT EXISTS output_records (
				id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				commit_url VARCHAR(255) NOT NULL,
				deliv_id VARCHAR(255) NOT NULL,
				commit_sha VARCHAR(64) NOT NULL,
				state VARCHAR(32) NOT NULL,
				payload LONGTEXT NOT NULL,
				created_at BIGINT NOT NULL,
				INDEX idx_output_records_commit (commit_url, deliv_id)
			)`,
			`CREATE TABLE IF NOT EXISTS feedback_requests (
				id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				course_id VARCHAR(255) NOT NULL,
				deliv_id VARCHAR(255) NOT NULL,
				user_name VARCHAR(255) NOT NULL,
				commit_url VARCHAR(255) NOT NULL,
				requested_at BIGINT NOT NULL,
				INDEX idx_feedback_requests_user (course_id, deliv_id, user_name)
			)`,
		},
	},
	"pgx": {
		name:         "pgx",
		placeholders: dollarRebind,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS pushes (
				id BIGSERIAL PRIMARY KEY,
				commit_url TEXT NOT NULL,
				course_id TEXT NOT NULL,
				deliv_id TEXT NOT NULL,
				commit_sha TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pushes_commit ON pushes(commit_url)`,
			`CREATE TABLE IF NOT EXISTS comments (
				id BIGSERIAL PRIMARY KEY,
				commit_url TEXT NOT NULL,
				deliv_id TEXT NOT NULL,
				user_name TEXT NOT NULL,
				bot_mentioned SMALLINT NOT NULL,
				payload TEXT NOT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_comments_commit ON comments(commit_url, deliv_id)`,
			`CREATE TABLE IF NOT EXISTS output_records (
				id BIGSERIAL PRIMARY KEY,
				commit_url TEXT NOT NULL,
				deliv_id TEXT NOT NULL,
				commit_sha TEXT NOT NULL,
				state TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_output_records_commit ON output_records(commit_url, deliv_id)`,
			`CREATE TABLE IF NOT EXISTS feedback_requests (
				id BIGSERIAL PRIMARY KEY,
				course_id TEXT NOT NULL,
				deliv_id TEXT NOT NULL,
				user_name TEXT NOT NULL,
				commit_url TEXT NOT NULL,
				requested_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_feedback_requests_user ON feedback_requests(course_id, deliv_id, user_name)`,
		},
	},
}

// A SQLStore persists pushes, comments, grading records and feedback
// requests in a SQL database. All tables are append-only: getters return the
// most recently inserted matching row.
type SQLStore struct {
	db      *sql.DB
	dialect *dialect
}

// Open connects to the database described by config and creates the schema
// if needed.
func Open(ctx context.Context, config *common.DbConfig) (*SQLStore, error) {
	db, err := sql.Open(config.Driver, config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s, err := New(ctx, db, config.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open database. driver is one of "sqlite3", "mysql" or
// "pgx".
func New(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	s := &SQLStore{
		db:      db,
		dialect: d,
	}
	for _, statement := range d.schema {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}
	return s, nil
}

// DB returns the underlying database.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, s.dialect.placeholders(query), args...)
	return err
}

// queryPayload decodes the payload column of the first row into v. It
// returns false if there were no rows.
func (s *SQLStore) queryPayload(ctx context.Context, v interface{}, query string, args ...interface{}) (bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.dialect.placeholders(query), args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return false, fmt.Errorf("decode payload: %w", err)
	}
	return true, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

// SavePush persists a push event.
func (s *SQLStore) SavePush(ctx context.Context, job *common.JobInput) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	err = s.exec(
		ctx,
		`INSERT INTO pushes (commit_url, course_id, deliv_id, commit_sha, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.PushInfo.CommitURL,
		job.CourseID,
		job.DeliverableID,
		job.PushInfo.CommitSHA,
		string(payload),
		toMillis(job.PushInfo.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save push %s: %w", job.PushInfo.CommitURL, err)
	}
	return nil
}

// GetPushRecord returns the latest push for commitURL, or nil.
func (s *SQLStore) GetPushRecord(ctx context.Context, commitURL string) (*common.JobInput, error) {
	var job common.JobInput
	found, err := s.queryPayload(
		ctx,
		&job,
		`SELECT payload FROM pushes WHERE commit_url = ? ORDER BY id DESC LIMIT 1`,
		commitURL,
	)
	if err != nil {
		return nil, fmt.Errorf("get push %s: %w", commitURL, err)
	}
	if !found {
		return nil, nil
	}
	return &job, nil
}

// SaveComment persists a comment event.
func (s *SQLStore) SaveComment(ctx context.Context, comment *common.CommentEvent) error {
	payload, err := json.Marshal(comment)
	if err != nil {
		return fmt.Errorf("encode comment: %w", err)
	}
	botMentioned := 0
	if comment.BotMentioned {
		botMentioned = 1
	}
	err = s.exec(
		ctx,
		`INSERT INTO comments (commit_url, deliv_id, user_name, bot_mentioned, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		comment.CommitURL,
		comment.DeliverableID,
		comment.UserName,
		botMentioned,
		string(payload),
		toMillis(comment.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save comment on %s: %w", comment.CommitURL, err)
	}
	return nil
}

// GetLatestComment returns the latest comment on commitURL for the
// deliverable, or nil.
func (s *SQLStore) GetLatestComment(ctx context.Context, commitURL, deliverableID string) (*common.CommentEvent, error) {
	var comment common.CommentEvent
	found, err := s.queryPayload(
		ctx,
		&comment,
		`SELECT payload FROM comments WHERE commit_url = ? AND deliv_id = ? ORDER BY id DESC LIMIT 1`,
		commitURL,
		deliverableID,
	)
	if err != nil {
		return nil, fmt.Errorf("get comment %s: %w", commitURL, err)
	}
	if !found {
		return nil, nil
	}
	return &comment, nil
}

// SaveOutputRecord appends a grading record.
func (s *SQLStore) SaveOutputRecord(ctx context.Context, record *common.CommitRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	err = s.exec(
		ctx,
		`INSERT INTO output_records (commit_url, deliv_id, commit_sha, state, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.CommitURL,
		record.Input.DeliverableID,
		record.CommitSHA,
		string(record.Output.State),
		string(payload),
		toMillis(record.Output.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", record.CommitURL, err)
	}
	return nil
}

// GetOutputRecord returns the latest record for commitURL and the
// deliverable, or nil.
func (s *SQLStore) GetOutputRecord(ctx context.Context, commitURL, deliverableID string) (*common.CommitRecord, error) {
	var record common.CommitRecord
	found, err := s.queryPayload(
		ctx,
		&record,
		`SELECT payload FROM output_records WHERE commit_url = ? AND deliv_id = ? ORDER BY id DESC LIMIT 1`,
		commitURL,
		deliverableID,
	)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", commitURL, err)
	}
	if !found {
		return nil, nil
	}
	return &record, nil
}

// SaveFeedbackRequestRecord appends a feedback request.
func (s *SQLStore) SaveFeedbackRequestRecord(ctx context.Context, record *common.FeedbackRequestRecord) error {
	err := s.exec(
		ctx,
		`INSERT INTO feedback_requests (course_id, deliv_id, user_name, commit_url, requested_at)
		VALUES (?, ?, ?, ?, ?)`,
		record.CourseID,
		record.DeliverableID,
		record.UserName,
		record.CommitURL,
		toMillis(record.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save feedback request for %s: %w", record.UserName, err)
	}
	return nil
}

func (s *SQLStore) queryFeedbackRequest(
	ctx context.Context,
	query string,
	args ...interface{},
) (*common.FeedbackRequestRecord, error) {
	var record common.FeedbackRequestRecord
	var requestedAt int64
	err := s.db.QueryRowContext(ctx, s.dialect.placeholders(query), args...).Scan(
		&record.CourseID,
		&record.DeliverableID,
		&record.UserName,
		&record.CommitURL,
		&requestedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record.Timestamp = fromMillis(requestedAt)
	return &record, nil
}

// GetLatestFeedbackRequestRecord returns the latest feedback request of the
// user for the deliverable, or nil.
func (s *SQLStore) GetLatestFeedbackRequestRecord(
	ctx context.Context,
	courseID, deliverableID, userName string,
) (*common.FeedbackRequestRecord, error) {
	record, err := s.queryFeedbackRequest(
		ctx,
		`SELECT course_id, deliv_id, user_name, commit_url, requested_at
		FROM feedback_requests
		WHERE course_id = ? AND deliv_id = ? AND user_name = ?
		ORDER BY requested_at DESC, id DESC LIMIT 1`,
		courseID,
		deliverableID,
		userName,
	)
	if err != nil {
		return nil, fmt.Errorf("get feedback request for %s: %w", userName, err)
	}
	return record, nil
}

// GetFeedbackRequestRecordForCommit returns the latest feedback request of
// the user for the deliverable on commitURL, or nil.
func (s *SQLStore) GetFeedbackRequestRecordForCommit(
	ctx context.Context,
	courseID, deliverableID, userName, commitURL string,
) (*common.FeedbackRequestRecord, error) {
	record, err := s.queryFeedbackRequest(
		ctx,
		`SELECT course_id, deliv_id, user_name, commit_url, requested_at
		FROM feedback_requests
		WHERE course_id = ? AND deliv_id = ? AND user_name = ? AND commit_url = ?
		ORDER BY requested_at DESC, id DESC LIMIT 1`,
		courseID,
		deliverableID,
		userName,
		commitURL,
	)
	if err != nil {
		return nil, fmt.Errorf("get feedback request for %s: %w", userName, err)
	}
	return record, nil
}
