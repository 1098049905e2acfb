// Package device holds the boundary with on-device capabilities: the
// contacts picker, geolocation, device identity and the connectivity
// signal. Everything platform-specific is normalized here so the rest of
// the agent sees one canonical shape per capability.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPermissionDenied indicates the user declined access to a device capability.
	ErrPermissionDenied = errors.New("device: permission denied")
	// ErrNoPhone indicates a picked contact carried no usable phone number.
	ErrNoPhone = errors.New("device: contact has no phone number")
)

// RawContact mirrors the loosely-shaped record returned by platform contact
// pickers: the name may arrive nested, flat, or not at all.
type RawContact struct {
	ContactID   string   `json:"contactId"`
	DisplayName string   `json:"displayName,omitempty"`
	GivenName   string   `json:"givenName,omitempty"`
	FamilyName  string   `json:"familyName,omitempty"`
	Phones      []string `json:"phones,omitempty"`
}

// DeviceContact is the canonical contact shape produced at the capability
// boundary. Display names are resolved once here and never re-resolved.
type DeviceContact struct {
	DisplayName string
	Phones      []string
}

// Picker selects contacts from the platform address book.
type Picker interface {
	RequestAccess(ctx context.Context) error
	Pick(ctx context.Context) ([]RawContact, error)
}

// Normalize collapses the platform-specific contact variants into the
// canonical DeviceContact shape. A contact without any phone number is
// rejected with ErrNoPhone.
func Normalize(raw RawContact) (DeviceContact, error) {
	phones := make([]string, 0, len(raw.Phones))
	for _, phone := range raw.Phones {
		cleaned := stripWhitespace(phone)
		if cleaned != "" {
			phones = append(phones, cleaned)
		}
	}
	if len(phones) == 0 {
		return DeviceContact{}, fmt.Errorf("%w: contact %q", ErrNoPhone, raw.ContactID)
	}

	name := strings.TrimSpace(raw.DisplayName)
	if name == "" {
		name = strings.TrimSpace(strings.TrimSpace(raw.GivenName) + " " + strings.TrimSpace(raw.FamilyName))
	}
	if name == "" {
		name = phones[0]
	}

	return DeviceContact{DisplayName: name, Phones: phones}, nil
}

func stripWhitespace(value string) string {
	return strings.Join(strings.Fields(value), "")
}
