package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/credkeeper/credkeeper/internal/errors"
	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable account store backed by SQLite with WAL mode.
// It is thread-safe and supports concurrent access.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *logging.Logger
}

// NewSQLiteStore opens (creating if needed) the account database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	// Open database with WAL mode enabled
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(2000)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	// Run migrations
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.NewLogger(),
	}, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	// Create migrations table if not exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	// Get current migration version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	// Define migrations
	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS accounts (
					id TEXT PRIMARY KEY,
					enable INTEGER NOT NULL DEFAULT 1,
					silent_credential TEXT NOT NULL DEFAULT '',
					access_token TEXT NOT NULL DEFAULT '',
					session_token TEXT NOT NULL DEFAULT '',
					auth_info TEXT NOT NULL DEFAULT '',
					account_type TEXT NOT NULL DEFAULT '',
					credential_expires_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					session_expires_at DATETIME,
					usage_count INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					deleted_at DATETIME
				);

				CREATE INDEX IF NOT EXISTS idx_accounts_enable ON accounts(enable);
				CREATE INDEX IF NOT EXISTS idx_accounts_deleted_at ON accounts(deleted_at);
				CREATE INDEX IF NOT EXISTS idx_accounts_credential_expires_at ON accounts(credential_expires_at);
			`,
		},
		{
			version: 2,
			up: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id TEXT PRIMARY KEY,
					timestamp DATETIME NOT NULL,
					event_type TEXT NOT NULL,
					account_id TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					details TEXT NOT NULL DEFAULT '',
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
				CREATE INDEX IF NOT EXISTS idx_audit_events_account_id ON audit_events(account_id);
			`,
		},
	}

	// Run pending migrations
	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const accountColumns = `id, enable, silent_credential, access_token, session_token, auth_info, account_type,
		credential_expires_at, session_expires_at, usage_count, created_at, updated_at, deleted_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*models.Account, error) {
	var acc models.Account
	err := row.Scan(&acc.ID, &acc.Enable, &acc.SilentCredential, &acc.AccessToken, &acc.SessionToken,
		&acc.AuthInfo, &acc.AccountType, &acc.CredentialExpiresAt, &acc.SessionExpiresAt,
		&acc.UsageCount, &acc.CreatedAt, &acc.UpdatedAt, &acc.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// Account operations

// GetAccount retrieves a live account by ID. Soft-deleted accounts are invisible.
func (s *SQLiteStore) GetAccount(id string) (*models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, err := scanAccount(s.db.QueryRow(`
		SELECT `+accountColumns+`
		FROM accounts WHERE id = ? AND deleted_at IS NULL
	`, id))
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to get account", "account_id", id, "error", err.Error())
		return nil, false
	}

	return acc, true
}

// ListLiveAccounts returns every account that has not been soft-deleted.
func (s *SQLiteStore) ListLiveAccounts() ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT ` + accountColumns + `
		FROM accounts WHERE deleted_at IS NULL ORDER BY id
	`)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list live accounts", Err: err}
	}
	defer rows.Close()

	return collectAccounts(rows)
}

// ListExpiringAccounts returns enabled live accounts whose credential expires
// within the given horizon but is still valid now.
func (s *SQLiteStore) ListExpiringAccounts(horizon time.Duration) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	rows, err := s.db.Query(`
		SELECT `+accountColumns+`
		FROM accounts
		WHERE deleted_at IS NULL AND enable = 1
		  AND credential_expires_at > ? AND credential_expires_at <= ?
		ORDER BY credential_expires_at
	`, now, now.Add(horizon))
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list expiring accounts", Err: err}
	}
	defer rows.Close()

	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]*models.Account, error) {
	var accounts []*models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan account", Err: err}
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "iterate accounts", Err: err}
	}
	return accounts, nil
}

// CreateAccount inserts a new account record
func (s *SQLiteStore) CreateAccount(acc *models.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO accounts (id, enable, silent_credential, access_token, session_token, auth_info, account_type,
			credential_expires_at, session_expires_at, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, acc.ID, acc.Enable, acc.SilentCredential, acc.AccessToken, acc.SessionToken, acc.AuthInfo, acc.AccountType,
		acc.CredentialExpiresAt, acc.SessionExpiresAt, acc.UsageCount, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create account", Err: err}
	}
	return nil
}

// SoftDeleteAccount marks an account as deleted without removing the row
func (s *SQLiteStore) SoftDeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE accounts SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`, now, now, id)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "soft delete account", Err: err}
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &errors.ErrAccountNotFound{ID: id}
	}
	return nil
}

// CommitRefresh persists the outcome of a successful refresh in one transaction:
// the new credential blob, the new access token, both validity horizons,
// updated_at, and the enabled flag.
func (s *SQLiteStore) CommitRefresh(id, credentialBlob, accessToken string, credentialExpiresAt, sessionExpiresAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin refresh commit", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.Exec(`
		UPDATE accounts SET
			silent_credential = ?,
			access_token = ?,
			credential_expires_at = ?,
			session_expires_at = ?,
			updated_at = ?,
			enable = 1
		WHERE id = ? AND deleted_at IS NULL
	`, credentialBlob, accessToken, credentialExpiresAt, sessionExpiresAt, now, id)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit refresh", Err: err}
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &errors.ErrAccountNotFound{ID: id}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit refresh", Err: err}
	}
	return nil
}

// SetSessionToken stores the derived session token
func (s *SQLiteStore) SetSessionToken(id, sessionToken string) error {
	return s.updateAccount(id, "set session token", `
		UPDATE accounts SET session_token = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`, sessionToken)
}

// SetAuthInfo stores the fetched identity blob and account type
func (s *SQLiteStore) SetAuthInfo(id, authInfo, accountType string) error {
	return s.updateAccount(id, "set auth info", `
		UPDATE accounts SET auth_info = ?, account_type = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`, authInfo, accountType)
}

// SetEnabled flips the availability flag
func (s *SQLiteStore) SetEnabled(id string, enabled bool) error {
	return s.updateAccount(id, "set enabled", `
		UPDATE accounts SET enable = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`, enabled)
}

// updateAccount runs one UPDATE with updated_at and the account ID appended to args
func (s *SQLiteStore) updateAccount(id, operation, query string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args = append(args, time.Now().UTC(), id)
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: operation, Err: err}
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &errors.ErrAccountNotFound{ID: id}
	}
	return nil
}

// ResetUsageCounts zeroes usage_count for every enabled live account with a
// nonzero count in a single transaction, and returns the affected accounts in
// their post-reset state.
func (s *SQLiteStore) ResetUsageCounts() ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "begin usage reset", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.Query(`
		SELECT ` + accountColumns + `
		FROM accounts WHERE deleted_at IS NULL AND enable = 1 AND usage_count > 0 ORDER BY id
	`)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "select usage reset candidates", Err: err}
	}
	affected, err := collectAccounts(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE accounts SET usage_count = 0, updated_at = ?
		WHERE deleted_at IS NULL AND enable = 1 AND usage_count > 0
	`, now)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "reset usage counts", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "commit usage reset", Err: err}
	}

	for _, acc := range affected {
		acc.UsageCount = 0
		acc.UpdatedAt = now
	}
	return affected, nil
}

// Audit trail

// SaveAuditEvent appends one audit event
func (s *SQLiteStore) SaveAuditEvent(event *logging.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details := ""
	if event.Details != nil {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return &errors.ErrDatabaseQuery{Operation: "marshal audit details", Err: err}
		}
		details = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_events (id, timestamp, event_type, account_id, status, details, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Timestamp, string(event.EventType), event.AccountID, string(event.Status), details, event.ErrorMessage)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save audit event", Err: err}
	}
	return nil
}

// ListAuditEvents returns the most recent audit events, newest first
func (s *SQLiteStore) ListAuditEvents(limit int) ([]*logging.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, timestamp, event_type, account_id, status, details, error_message
		FROM audit_events ORDER BY timestamp DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list audit events", Err: err}
	}
	defer rows.Close()

	var events []*logging.AuditEvent
	for rows.Next() {
		var event logging.AuditEvent
		var eventType, status, details string
		if err := rows.Scan(&event.ID, &event.Timestamp, &eventType, &event.AccountID, &status, &details, &event.ErrorMessage); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan audit event", Err: err}
		}
		event.EventType = logging.AuditEventType(eventType)
		event.Status = logging.AuditStatus(status)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
				return nil, &errors.ErrDatabaseQuery{Operation: "unmarshal audit details", Err: err}
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "iterate audit events", Err: err}
	}
	return events, nil
}
