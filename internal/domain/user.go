// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxUserIDLen = 64

var (
	ErrUserTooLong = errors.New("user id too long")
	ErrEmptyUser   = errors.New("user id empty")
)

type UserID string

// NewGuestUserID is used when the caller did not pick a user id.
func NewGuestUserID() UserID {
	return UserID("guest-" + uuid.NewString()[:8])
}

func (u UserID) Validate() error {
	if len(u) == 0 {
		return ErrEmptyUser
	}
	if len(u) > MaxUserIDLen {
		return ErrUserTooLong
	}
	return nil
}
