// Package storage defines the identity service persistence errors.
package storage

import (
	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
)

// ErrNotFound indicates a requested record does not exist.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrEmailTaken indicates another user already owns the email.
var ErrEmailTaken = apperrors.New(apperrors.CodeIdentityEmailTaken, "email is already registered")
