package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNormalizeBirthdate(t *testing.T) {
	cases := map[string]string{
		"01.02.1999":         "01021999",
		"01/02/1999":         "01021999",
		"01021999":           "01021999",
		"born 01-02-1999":    "01021999",
		"":                   "",
		"1999":               "",
		"not a date":         "",
		"ref 123456789":      "",
		"01.02.1999 (notes)": "01021999",
	}
	for input, want := range cases {
		if got := normalizeBirthdate(input); got != want {
			t.Fatalf("normalizeBirthdate(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestAuthenticateEmptyPassword(t *testing.T) {
	// The empty-password check must run before any network call; the bogus
	// address would otherwise surface ErrUnavailable.
	client := New(Config{URL: "ldap://127.0.0.1:1", Timeout: time.Second}, zerolog.Nop())

	_, err := client.Authenticate(context.Background(), "s1", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestAuthenticateUnreachableDirectory(t *testing.T) {
	client := New(Config{URL: "ldap://127.0.0.1:1", Timeout: 500 * time.Millisecond}, zerolog.Nop())

	_, err := client.Authenticate(context.Background(), "s1", "password")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestIsStaff(t *testing.T) {
	client := New(Config{
		URL:        "ldap://127.0.0.1:1",
		StaffGroup: "CN=Staff,OU=Groups,DC=example,DC=local",
	}, zerolog.Nop())

	if !client.isStaff([]string{
		"CN=Printing,OU=Groups,DC=example,DC=local",
		"cn=staff,ou=groups,dc=example,dc=local",
	}) {
		t.Fatalf("expected staff membership match to be case-insensitive")
	}
	if client.isStaff([]string{"CN=Students,OU=Groups,DC=example,DC=local"}) {
		t.Fatalf("did not expect staff membership")
	}
}

func TestHintString(t *testing.T) {
	if Standard.String() != "standard" || Elevated.String() != "elevated" {
		t.Fatalf("unexpected hint strings")
	}
}
