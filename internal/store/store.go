package store

import "github.com/securetalk/securetalk-go/internal/models"

// Store persists the small slice of client state that survives a
// restart: the token pair and the last-known username. Message history
// is never persisted client-side.
type Store interface {
	SaveCredentials(c models.Credentials) error
	// LoadCredentials returns nil when no session is saved.
	LoadCredentials() (*models.Credentials, error)
	ClearCredentials() error
}
