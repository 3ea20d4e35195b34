package member

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// Max length constants for user-editable fields.
const (
	MaxNameLength = 100
)

// Business rule constants
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Domain errors
var (
	ErrEmptyName       = errors.New("member name cannot be empty")
	ErrNameTooLong     = errors.New("member name cannot exceed 100 characters")
	ErrInvalidEmail    = errors.New("member email must be valid")
	ErrEmptyQRCode     = errors.New("member QR code cannot be empty")
	ErrInvalidStatus   = errors.New("status must be 'active' or 'archived'")
	ErrAlreadyArchived = errors.New("member is already archived")
	ErrNotArchived     = errors.New("member is not archived")
)

// Member is a gym member who checks in by presenting a QR code.
type Member struct {
	ID     string
	Name   string
	Email  string
	QRCode string
	Status string
}

// Validate checks if the Member has valid data.
// PRE: Member struct is initialized
// POST: Returns error if validation fails, nil otherwise
// INVARIANT: Email must contain '@', Name and QRCode must not be empty
func (m *Member) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return ErrEmptyName
	}
	if len(m.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	if !strings.Contains(m.Email, "@") {
		return ErrInvalidEmail
	}
	if strings.TrimSpace(m.QRCode) == "" {
		return ErrEmptyQRCode
	}
	if m.Status != StatusActive && m.Status != StatusArchived {
		return ErrInvalidStatus
	}
	return nil
}

// MatchesQR reports whether code is this member's QR code.
func (m *Member) MatchesQR(code string) bool {
	return m.QRCode != "" && subtle.ConstantTimeCompare([]byte(m.QRCode), []byte(code)) == 1
}

// IsArchived returns true if the member is archived.
func (m *Member) IsArchived() bool {
	return m.Status == StatusArchived
}

// Archive sets the member status to archived.
// PRE: Member is not already archived
// POST: Status is set to archived
func (m *Member) Archive() error {
	if m.Status == StatusArchived {
		return ErrAlreadyArchived
	}
	m.Status = StatusArchived
	return nil
}

// Restore sets the member status back to active.
// PRE: Member is currently archived
// POST: Status is set to active
func (m *Member) Restore() error {
	if m.Status != StatusArchived {
		return ErrNotArchived
	}
	m.Status = StatusActive
	return nil
}
