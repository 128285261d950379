package domain

import "time"

// SecureElementBinding is the durable per-profile pair created by the pairing
// ceremony: the alias of the device-held private key and the health-card
// certificate it was registered with. The re-authentication flow requires the
// binding to already exist; it is deleted as a unit with all other profile
// credentials on a fatal crypto failure.
type SecureElementBinding struct {
	KeyAlias    string
	Certificate []byte
	CreatedAt   time.Time
}

// Complete reports whether both halves of the binding are present.
func (b SecureElementBinding) Complete() bool {
	return b.KeyAlias != "" && len(b.Certificate) > 0
}

// CardAccessNumber is the profile-scoped CAN cached for UI convenience.
// The session core only ever reads it.
type CardAccessNumber string
