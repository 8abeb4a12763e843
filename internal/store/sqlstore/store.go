package sqlstore

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/securetalk/securetalk-go/internal/models"
)

type SQLStore struct {
	db *sql.DB
}

func New(dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	// One connection keeps in-memory databases coherent and sidesteps
	// SQLite's single-writer lock.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	// Single-row table: there is at most one session on this device.
	query := `
	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		username TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLStore) SaveCredentials(c models.Credentials) error {
	query := `
	INSERT INTO credentials (id, access_token, refresh_token, username)
	VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		access_token = excluded.access_token,
		refresh_token = excluded.refresh_token,
		username = excluded.username
	`
	_, err := s.db.Exec(query, c.AccessToken, c.RefreshToken, c.Username)
	return err
}

func (s *SQLStore) LoadCredentials() (*models.Credentials, error) {
	var c models.Credentials
	err := s.db.QueryRow("SELECT access_token, refresh_token, username FROM credentials WHERE id = 1").
		Scan(&c.AccessToken, &c.RefreshToken, &c.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) ClearCredentials() error {
	_, err := s.db.Exec("DELETE FROM credentials")
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
