package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "campuschat/pkg/database"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

var _ interfaces.DatabaseManager = (*Manager)(nil)

// Manager is the SQLite-backed message store and identity directory.
// Reads go straight to the pool; every write is funneled through one goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(config.DatabasePath); config.DatabasePath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbconfig.DSN(config.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop runs every write in order. A failed write is retried exactly once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("database write failed, retrying", "delay", m.config.WriteRetryDelay, "error", err)
				time.Sleep(m.config.WriteRetryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error("database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// once queued the write runs to completion, so wait for it regardless of ctx
	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// InsertMessage persists one private message in a single insert.
func (m *Manager) InsertMessage(ctx context.Context, senderID, recipientID int64, body string) (*types.ChatMessage, error) {
	message := &types.ChatMessage{
		SenderID:    senderID,
		RecipientID: &recipientID,
		Body:        body,
		Read:        false,
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		message.CreatedAt = time.Now().UTC()
		res, err := db.Exec(`
			INSERT INTO chat_messages (sender_id, recipient_id, body, created_at, is_read)
			VALUES (?, ?, ?, ?, 0)
		`, senderID, recipientID, body, message.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		message.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}

	return message, nil
}

// QueryBetween returns the conversation of the unordered pair, oldest first.
func (m *Manager) QueryBetween(ctx context.Context, a, b int64) ([]*types.ChatMessage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, body, created_at, is_read
		FROM chat_messages
		WHERE (sender_id = ? AND recipient_id = ?)
		   OR (sender_id = ? AND recipient_id = ?)
		ORDER BY created_at ASC, id ASC
	`, a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*types.ChatMessage, 0)
	for rows.Next() {
		var message types.ChatMessage
		var recipient sql.NullInt64

		if err := rows.Scan(
			&message.ID,
			&message.SenderID,
			&recipient,
			&message.Body,
			&message.CreatedAt,
			&message.Read,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if recipient.Valid {
			message.RecipientID = &recipient.Int64
		}
		messages = append(messages, &message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return messages, nil
}

// MarkRead flips every unread message from senderID to recipientID in one update.
func (m *Manager) MarkRead(ctx context.Context, recipientID, senderID int64) (int64, error) {
	var affected int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.Exec(`
			UPDATE chat_messages
			SET is_read = 1
			WHERE recipient_id = ? AND sender_id = ? AND is_read = 0
		`, recipientID, senderID)
		if err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// UnreadCounts returns unread private message counts keyed by sender username.
func (m *Manager) UnreadCounts(ctx context.Context, recipientID int64) (map[string]int, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT u.username, COUNT(*)
		FROM chat_messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.recipient_id = ? AND m.is_read = 0
		GROUP BY u.username
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var username string
		var count int
		if err := rows.Scan(&username, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unread row: %w", err)
		}
		counts[username] = count
	}

	return counts, rows.Err()
}

// LookupByUsername resolves an identity or returns interfaces.ErrIdentityNotFound.
func (m *Manager) LookupByUsername(ctx context.Context, username string) (*types.Identity, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, profile_picture, last_seen
		FROM users
		WHERE username = ?
	`, username)

	var identity types.Identity
	var lastSeen sql.NullTime
	err := row.Scan(
		&identity.ID,
		&identity.Username,
		&identity.DisplayName,
		&identity.ProfilePicture,
		&lastSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to query identity: %w", err)
	}
	if lastSeen.Valid {
		identity.LastSeen = &lastSeen.Time
	}

	return &identity, nil
}

// TouchLastSeen records when the identity was last observed online.
func (m *Manager) TouchLastSeen(ctx context.Context, identityID int64, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec("UPDATE users SET last_seen = ? WHERE id = ?", at.UTC(), identityID)
		if err != nil {
			return fmt.Errorf("failed to update last_seen: %w", err)
		}
		return nil
	})
}

// CreateIdentity mirrors an identity-provider user into the local users table.
// Used for standalone deployments and seeding.
func (m *Manager) CreateIdentity(ctx context.Context, username, displayName, profilePicture string) (*types.Identity, error) {
	if !types.IsValidUsername(username) {
		return nil, fmt.Errorf("invalid username %q", username)
	}
	if profilePicture == "" {
		profilePicture = "default.jpg"
	}

	identity := &types.Identity{
		Username:       username,
		DisplayName:    displayName,
		ProfilePicture: profilePicture,
	}
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.Exec(`
			INSERT INTO users (username, display_name, profile_picture)
			VALUES (?, ?, ?)
		`, username, displayName, profilePicture)
		if err != nil {
			return fmt.Errorf("failed to insert identity: %w", err)
		}
		identity.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}

	return identity, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer goroutine and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	for _, pragma := range dbconfig.SQLitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
