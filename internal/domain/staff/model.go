package staff

import (
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("staff account not found")
	ErrInvalidCredentials = errors.New("invalid id or password")
	ErrInvalidInput       = errors.New("invalid staff account")
)

// Account is a staff login. PasswordHash is a bcrypt hash and is never
// serialized.
type Account struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
