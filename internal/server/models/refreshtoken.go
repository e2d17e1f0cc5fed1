package models

import "time"

// RefreshToken is one row of the token ledger. Retired and revoked tokens are
// kept so that replaying them can be recognized.
type RefreshToken struct {
	// TokenID is the opaque lookup key carried inside the raw credential.
	TokenID string
	// OwnerID references the authenticated user.
	OwnerID string
	// SecretHash is the Argon2id PHC hash of the credential secret.
	SecretHash string
	// Family is shared by every token descending from one login.
	Family    string
	ExpiresAt time.Time
	CreatedAt time.Time
	// LastUsedAt is set when the token is retired by a rotation.
	LastUsedAt *time.Time
	// RevokedAt is set once and never cleared.
	RevokedAt  *time.Time
	DeviceInfo string
	IPAddress  string
}

// IsRevoked reports whether the token was retired or revoked.
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired reports whether now is at or past ExpiresAt.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActive reports whether the token can still be rotated at now.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}
