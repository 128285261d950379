package service

import (
	"errors"
	"fmt"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
)

// ErrNotPaired is returned by AuthenticateWithSecureElement when the profile
// has no secure-element binding. Calling the operation without a prior
// pairing ceremony is a contract violation, not a retryable condition.
var ErrNotPaired = errors.New("service: profile has no secure element pairing")

// RefreshRequiredError is the recoverable outcome of LoadAccessToken: the
// cached or refreshed access token could not be produced.
type RefreshRequiredError struct {
	// UserActionRequired distinguishes "the session is gone, the user must
	// re-authenticate" (true) from "transient, retry later" (false).
	UserActionRequired bool

	// Scope is the last known scope of the profile's SSO token, telling the
	// caller which ceremony to restart. Nil when the profile never
	// authenticated or the failure was transient.
	Scope *domain.TokenScope

	// Err is the underlying cause, if any.
	Err error
}

func (e *RefreshRequiredError) Error() string {
	msg := "service: refresh required"
	if e.UserActionRequired {
		msg = "service: re-authentication required"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RefreshRequiredError) Unwrap() error { return e.Err }

// AltAuthCryptoError signals that the device-held key material is unusable,
// typically because the platform revoked it during biometric re-enrollment.
// By the time the caller sees it, all of the profile's stored credentials
// have been wiped; recovery means pairing from scratch.
type AltAuthCryptoError struct {
	Err error
}

func (e *AltAuthCryptoError) Error() string {
	return fmt.Sprintf("service: secure element key unusable: %v", e.Err)
}

func (e *AltAuthCryptoError) Unwrap() error { return e.Err }
