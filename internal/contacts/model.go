// Package contacts implements the emergency-contact list: the domain
// model with its invariants and the sync coordinator that keeps the local
// cache and the remote backend reconciled.
package contacts

import (
	"errors"
	"fmt"
	"strings"
)

// MaxContactsPerOwner bounds the emergency-contact list. The cap is
// enforced before every add; a sixth contact is rejected client-side.
const MaxContactsPerOwner = 5

// ErrValidation is the root of the local invariant-violation family.
// Validation failures never reach the network or the local store.
var ErrValidation = errors.New("contacts: validation failed")

var (
	// ErrContactLimit indicates the owner already holds the maximum number of contacts.
	ErrContactLimit = fmt.Errorf("%w: contact limit of %d reached", ErrValidation, MaxContactsPerOwner)
	// ErrDuplicatePhone indicates another contact in the list already carries this phone.
	ErrDuplicatePhone = fmt.Errorf("%w: duplicate phone number", ErrValidation)
	// ErrMissingName indicates the contact has no display name.
	ErrMissingName = fmt.Errorf("%w: name is required", ErrValidation)
	// ErrMissingPhone indicates the contact has no phone number.
	ErrMissingPhone = fmt.Errorf("%w: phone is required", ErrValidation)
	// ErrContactNotFound indicates no contact in the list matches the given phone.
	ErrContactNotFound = fmt.Errorf("%w: contact not found", ErrValidation)
)

// Contact is one emergency contact owned by a user profile. A nil ID means
// the record has never been confirmed by the remote backend.
type Contact struct {
	ID      *int64 `json:"id,omitempty"`
	OwnerID int64  `json:"wuserId"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Alias   string `json:"alias,omitempty"`
}

// DisplayName returns the alias when set, the captured name otherwise.
func (c Contact) DisplayName() string {
	if strings.TrimSpace(c.Alias) != "" {
		return c.Alias
	}
	return c.Name
}

// NormalizePhone strips all whitespace from a phone number. Normalized
// phones are the dedup key within an owner's list.
func NormalizePhone(phone string) string {
	return strings.Join(strings.Fields(phone), "")
}

func validateNew(list []Contact, candidate Contact) error {
	if strings.TrimSpace(candidate.Name) == "" {
		return ErrMissingName
	}
	phone := NormalizePhone(candidate.Phone)
	if phone == "" {
		return ErrMissingPhone
	}
	if len(list) >= MaxContactsPerOwner {
		return ErrContactLimit
	}
	for _, existing := range list {
		if NormalizePhone(existing.Phone) == phone {
			return ErrDuplicatePhone
		}
	}
	return nil
}

func indexByPhone(list []Contact, phone string) int {
	normalized := NormalizePhone(phone)
	for i, existing := range list {
		if NormalizePhone(existing.Phone) == normalized {
			return i
		}
	}
	return -1
}
