package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tbourn/go-study-backend/internal/domain"
)

func TestProfile_GetCreatesLazilyWithDefaults(t *testing.T) {
	db := newSvcDB(t)
	s := NewProfileService(db, dbRepo{})

	u, err := s.Get(context.Background(), Owner{ID: "sub-1", Email: "s@example.com"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u.Name != domain.DefaultUserName || u.Role != domain.RoleStudent || u.Level != 1 || u.Email != "s@example.com" {
		t.Fatalf("defaults not applied: %+v", u)
	}

	// A later token with a display name does not overwrite the stored row.
	u, err = s.Get(context.Background(), Owner{ID: "sub-1", Name: "Other"})
	if err != nil || u.Name != domain.DefaultUserName {
		t.Fatalf("second Get = %+v, %v", u, err)
	}
}

func TestProfile_UpdateName(t *testing.T) {
	db := newSvcDB(t)
	s := NewProfileService(db, dbRepo{})
	ctx := context.Background()
	me := Owner{ID: "sub-2"}

	u, err := s.UpdateName(ctx, me, "  Ada Lovelace ")
	if err != nil {
		t.Fatalf("UpdateName: %v", err)
	}
	if u.Name != "Ada Lovelace" {
		t.Fatalf("name = %q", u.Name)
	}

	for _, bad := range []string{"", "   ", strings.Repeat("x", maxNameRunes+1)} {
		if _, err := s.UpdateName(ctx, me, bad); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("UpdateName(%q): want ErrInvalidInput, got %v", bad, err)
		}
	}
	if _, err := s.UpdateName(ctx, Owner{}, "x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	if _, err := s.Get(ctx, Owner{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}
