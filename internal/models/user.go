package models

import "time"

// User is a stable identity owning a non-negative credit balance. Credits are
// mutated only through the store's guarded increment/decrement operations.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   uint64    `json:"version"`
}
