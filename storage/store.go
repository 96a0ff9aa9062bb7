package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"authpipe/token"
)

// Logical keys of the credential store.
const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyUser         = "user"
)

// TokenStore is the persistence contract for the current session: the
// access/refresh token pair and the user record. SetSession and Clear must
// be atomic from the caller's point of view — a reader never sees tokens
// cleared but the user still present, or vice versa.
type TokenStore interface {
	// AccessToken returns the stored access token, or "" when absent.
	AccessToken() (string, error)
	// RefreshToken returns the stored refresh token, or "" when absent.
	RefreshToken() (string, error)
	// User returns the stored user record, or nil when absent.
	User() (*token.User, error)
	// SetTokens replaces the token pair, leaving the user record untouched.
	SetTokens(access, refresh string) error
	// SetSession writes the full session in one step.
	SetSession(access, refresh string, user token.User) error
	// Clear removes the token pair and the user record together.
	Clear() error
	Close() error
}

// SQLiteStore implements TokenStore using SQLite with values encrypted at
// rest.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey []byte
	mu            sync.RWMutex
}

var _ TokenStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the credential database at
// dbPath. The encryptionKey must be 16, 24, or 32 bytes; see DeriveKey.
func NewSQLiteStore(dbPath string, encryptionKey []byte) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Credentials on disk, keep the file private. Only effective on creation.
	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		// Ignore error if file doesn't exist yet
	}

	store := &SQLiteStore{db: db, encryptionKey: encryptionKey}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create credentials table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) get(key string) (string, error) {
	var encrypted string
	err := s.db.QueryRow("SELECT value FROM credentials WHERE key = ?", key).Scan(&encrypted)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", key, err)
	}

	plaintext, err := Decrypt(encrypted, s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return string(plaintext), nil
}

func (s *SQLiteStore) setTx(tx *sql.Tx, key, value string) error {
	encrypted, err := Encrypt([]byte(value), s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}

	_, err = tx.Exec(`
		INSERT INTO credentials (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, encrypted, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AccessToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(keyAccessToken)
}

func (s *SQLiteStore) RefreshToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(keyRefreshToken)
}

func (s *SQLiteStore) User() (*token.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := s.get(keyUser)
	if err != nil || raw == "" {
		return nil, err
	}

	var u token.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user record: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) SetTokens(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func(tx *sql.Tx) error {
		if err := s.setTx(tx, keyAccessToken, access); err != nil {
			return err
		}
		return s.setTx(tx, keyRefreshToken, refresh)
	})
}

func (s *SQLiteStore) SetSession(access, refresh string, user token.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func(tx *sql.Tx) error {
		if err := s.setTx(tx, keyAccessToken, access); err != nil {
			return err
		}
		if err := s.setTx(tx, keyRefreshToken, refresh); err != nil {
			return err
		}
		return s.setTx(tx, keyUser, string(userJSON))
	})
}

func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"DELETE FROM credentials WHERE key IN (?, ?, ?)",
			keyAccessToken, keyRefreshToken, keyUser,
		)
		if err != nil {
			return fmt.Errorf("failed to clear credentials: %w", err)
		}
		return nil
	})
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
