package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-study-backend/internal/domain"
)

// Owner is the authenticated caller.
type Owner struct {
	ID    string
	Email string
	// Name is the display name from the identity provider, if any.
	Name string
}

// ProfileRepo is the persistence contract of ProfileService.
type ProfileRepo interface {
	EnsureUser(ctx context.Context, db *gorm.DB, u *domain.User) error
	GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error)
	UpdateUserName(ctx context.Context, db *gorm.DB, id, name string) error
}

// ProfileService reads and updates the caller's User row, creating it on
// first access.
type ProfileService struct {
	DB   *gorm.DB
	Repo ProfileRepo
}

func NewProfileService(db *gorm.DB, r ProfileRepo) *ProfileService {
	return &ProfileService{DB: db, Repo: r}
}

const maxNameRunes = 80

// Get returns the caller's profile.
func (s *ProfileService) Get(ctx context.Context, owner Owner) (*domain.User, error) {
	if owner.ID == "" {
		return nil, ErrUnauthorized
	}
	if err := s.Repo.EnsureUser(ctx, s.DB, &domain.User{ID: owner.ID, Email: owner.Email, Name: owner.Name}); err != nil {
		return nil, fmt.Errorf("%w: ensure user: %v", ErrPersistence, err)
	}
	return s.Repo.GetUser(ctx, s.DB, owner.ID)
}

// UpdateName sets the caller's display name.
func (s *ProfileService) UpdateName(ctx context.Context, owner Owner, name string) (*domain.User, error) {
	if owner.ID == "" {
		return nil, ErrUnauthorized
	}
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" || utf8.RuneCountInString(name) > maxNameRunes {
		return nil, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameRunes)
	}
	if err := s.Repo.EnsureUser(ctx, s.DB, &domain.User{ID: owner.ID, Email: owner.Email, Name: owner.Name}); err != nil {
		return nil, fmt.Errorf("%w: ensure user: %v", ErrPersistence, err)
	}
	if err := s.Repo.UpdateUserName(ctx, s.DB, owner.ID, name); err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: update name: %v", ErrPersistence, err)
	}
	return s.Repo.GetUser(ctx, s.DB, owner.ID)
}
