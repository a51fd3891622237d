package database

import (
	"database/sql"
	"fmt"

	"github.com/samber/lo"
)

var requiredIndexes = map[string]string{
	"idx_chat_messages_pair_time": "Conversation history retrieval",
	"idx_chat_messages_unread":    "Unread lookups and read-marking",
	"idx_users_username":          "Identity resolution by username",
}

func requiredIndexNames() []string {
	return lo.Keys(requiredIndexes)
}

// SchemaValidator checks a live database against the structure the gateway code expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":             "Identity mirror",
		"chat_messages":     "Private message history",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := objectExists(v.db, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	userColumns := map[string]string{
		"id":              "INTEGER",
		"username":        "TEXT",
		"display_name":    "TEXT",
		"profile_picture": "TEXT",
		"last_seen":       "DATETIME",
	}
	if err := v.validateColumns("users", userColumns); err != nil {
		return fmt.Errorf("users table structure invalid: %w", err)
	}

	messageColumns := map[string]string{
		"id":           "INTEGER",
		"sender_id":    "INTEGER",
		"recipient_id": "INTEGER",
		"body":         "TEXT",
		"created_at":   "DATETIME",
		"is_read":      "BOOLEAN",
	}
	if err := v.validateColumns("chat_messages", messageColumns); err != nil {
		return fmt.Errorf("chat_messages table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := objectExists(v.db, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies the foreign key and body checks are enforced.
// It probes with inserts inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO chat_messages (sender_id, recipient_id, body, created_at)
		VALUES (-1, -2, 'probe', CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: chat_messages.sender_id")
	}

	res, err := tx.Exec(`INSERT INTO users (username) VALUES ('__schema_probe__')`)
	if err != nil {
		return fmt.Errorf("failed to create probe user: %w", err)
	}
	probeID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO chat_messages (sender_id, recipient_id, body, created_at)
		VALUES (?, ?, '', CURRENT_TIMESTAMP)
	`, probeID, probeID); err == nil {
		return fmt.Errorf("check constraint not enforced: empty message body")
	}

	return nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue any

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
