package gateway

import (
	"errors"
	"testing"

	"carely/internal/domain"
)

func TestStaticTokenAuth(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{
		{Token: "secret-1", Principal: domain.Principal{ID: "pat@example.com", Name: "Pat", Email: "pat@example.com"}},
		{Token: "secret-2", Principal: domain.Principal{ID: "sam@example.com", Name: "Sam", Email: "sam@example.com"}},
	})

	info, err := auth.Authenticate("secret-2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Principal.Name != "Sam" {
		t.Errorf("Principal.Name = %q, want Sam", info.Principal.Name)
	}

	if _, err := auth.Authenticate("wrong"); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("bad token: err = %v, want ErrAuthInvalid", err)
	}
	if _, err := auth.Authenticate(""); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("empty token: err = %v, want ErrAuthInvalid", err)
	}
}

func TestStaticTokenAuthNoEntries(t *testing.T) {
	auth := NewStaticTokenAuth(nil)
	if _, err := auth.Authenticate("anything"); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("err = %v, want ErrAuthInvalid", err)
	}
}
