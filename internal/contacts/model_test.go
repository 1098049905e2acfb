package contacts

import (
	"errors"
	"testing"
)

func TestNormalizePhoneStripsAllWhitespace(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"+56 9 1234 5678", "+56912345678"},
		{"  912345678", "912345678"},
		{"9 1 2\t3", "9123"},
		{"912345678", "912345678"},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.raw); got != tt.expected {
			t.Fatalf("NormalizePhone(%q) = %q, expected %q", tt.raw, got, tt.expected)
		}
	}
}

func TestValidateNewRejectsMissingFields(t *testing.T) {
	if err := validateNew(nil, Contact{Phone: "123"}); !errors.Is(err, ErrMissingName) {
		t.Fatalf("expected ErrMissingName, got %v", err)
	}
	if err := validateNew(nil, Contact{Name: "Ana"}); !errors.Is(err, ErrMissingPhone) {
		t.Fatalf("expected ErrMissingPhone, got %v", err)
	}
}

func TestValidateNewRejectsSixthContact(t *testing.T) {
	list := make([]Contact, 0, MaxContactsPerOwner)
	for i := 0; i < MaxContactsPerOwner; i++ {
		list = append(list, Contact{Name: "c", Phone: string(rune('1' + i))})
	}

	err := validateNew(list, Contact{Name: "Ana", Phone: "999"})
	if !errors.Is(err, ErrContactLimit) {
		t.Fatalf("expected ErrContactLimit, got %v", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected limit error to be a validation error")
	}
}

func TestValidateNewDedupsByNormalizedPhone(t *testing.T) {
	list := []Contact{{Name: "Ana", Phone: "+56912345678"}}

	err := validateNew(list, Contact{Name: "Other", Phone: "+56 9 1234 5678"})
	if !errors.Is(err, ErrDuplicatePhone) {
		t.Fatalf("expected ErrDuplicatePhone, got %v", err)
	}
}

func TestDisplayNamePrefersAlias(t *testing.T) {
	contact := Contact{Name: "Ana Morales", Alias: "Mamá"}
	if got := contact.DisplayName(); got != "Mamá" {
		t.Fatalf("expected alias to win, got %q", got)
	}
	contact.Alias = "  "
	if got := contact.DisplayName(); got != "Ana Morales" {
		t.Fatalf("expected captured name when alias blank, got %q", got)
	}
}
