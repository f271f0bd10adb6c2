package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by the store when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate record")
)

// Account is a local user of this node. WebPrivateKey signs outbound
// federation requests made on the user's behalf.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	AvatarURL     string
	BannerURL     string
	CreatedAt     time.Time
	WebPublicKey  string
	WebPrivateKey string
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tDisplayName: %s \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.DisplayName, acc.CreatedAt)
}
