// Package services – LibraryService
//
// LibraryService is the read side of a user's materials: the paginated
// library list and the detail view with flattened flashcards and quiz
// questions. It also derives the enrichment status of each material from
// which artifacts exist.
package services

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-study-backend/internal/domain"
	"github.com/tbourn/go-study-backend/internal/utils"
)

// EnrichmentStatus says how much derived content a material has.
type EnrichmentStatus string

const (
	StatusPending           EnrichmentStatus = "pending"
	StatusPartiallyEnriched EnrichmentStatus = "partially_enriched"
	StatusEnriched          EnrichmentStatus = "enriched"
)

// StatusOf computes the enrichment status from artifact presence.
func StatusOf(hasSummary, hasDeck, hasQuiz bool) EnrichmentStatus {
	n := 0
	for _, ok := range []bool{hasSummary, hasDeck, hasQuiz} {
		if ok {
			n++
		}
	}
	switch n {
	case 0:
		return StatusPending
	case 3:
		return StatusEnriched
	default:
		return StatusPartiallyEnriched
	}
}

// LibraryRepo is the persistence contract of LibraryService.
type LibraryRepo interface {
	GetMaterial(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Material, error)
	CountMaterials(ctx context.Context, db *gorm.DB, userID string) (int64, error)
	ListMaterialsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Material, error)
	DerivedPresence(ctx context.Context, db *gorm.DB, materialIDs []string) (decks, quizzes map[string]bool, err error)
	GetDeckByMaterial(ctx context.Context, db *gorm.DB, materialID string) (*domain.Deck, error)
	GetQuizByMaterial(ctx context.Context, db *gorm.DB, materialID string) (*domain.Quiz, error)
	MaterialsStats(ctx context.Context, db *gorm.DB, userID string) (int64, *time.Time, error)
}

// LibraryItem is one row of the library list.
type LibraryItem struct {
	Material domain.Material
	HasDeck  bool
	HasQuiz  bool
	Status   EnrichmentStatus
}

// MaterialDetail is a material with its derived content.
type MaterialDetail struct {
	Material   domain.Material
	Flashcards []domain.Flashcard
	Questions  []domain.Question
	Status     EnrichmentStatus
}

// LibraryService serves library reads.
type LibraryService struct {
	DB   *gorm.DB
	Repo LibraryRepo
}

// NewLibraryService builds a LibraryService.
func NewLibraryService(db *gorm.DB, r LibraryRepo) *LibraryService {
	return &LibraryService{DB: db, Repo: r}
}

// List returns one page of the owner's materials, newest first, with the
// total count.
func (s *LibraryService) List(ctx context.Context, ownerID string, page, pageSize int) ([]LibraryItem, int64, error) {
	ctx, span := otel.Tracer("services/LibraryService").Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("user.id", ownerID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if ownerID == "" {
		return nil, 0, ErrUnauthorized
	}
	page, pageSize = utils.ClampPage(page, pageSize)

	total, err := s.Repo.CountMaterials(ctx, s.DB, ownerID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []LibraryItem{}, 0, nil
	}
	ms, err := s.Repo.ListMaterialsPage(ctx, s.DB, ownerID, utils.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, 0, err
	}

	ids := make([]string, len(ms))
	for i := range ms {
		ids[i] = ms[i].ID
	}
	decks, quizzes, err := s.Repo.DerivedPresence(ctx, s.DB, ids)
	if err != nil {
		return nil, 0, err
	}

	items := make([]LibraryItem, len(ms))
	for i, m := range ms {
		items[i] = LibraryItem{
			Material: m,
			HasDeck:  decks[m.ID],
			HasQuiz:  quizzes[m.ID],
			Status:   StatusOf(hasSummary(&m), decks[m.ID], quizzes[m.ID]),
		}
	}
	return items, total, nil
}

// Get returns an owned material with its flashcards and quiz questions in
// order. Missing artifacts yield empty slices.
func (s *LibraryService) Get(ctx context.Context, ownerID, id string) (*MaterialDetail, error) {
	ctx, span := otel.Tracer("services/LibraryService").Start(ctx, "Get",
		trace.WithAttributes(attribute.String("material.id", id)),
	)
	defer span.End()

	if ownerID == "" {
		return nil, ErrUnauthorized
	}
	m, err := s.Repo.GetMaterial(ctx, s.DB, id, ownerID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	out := &MaterialDetail{
		Material:   *m,
		Flashcards: []domain.Flashcard{},
		Questions:  []domain.Question{},
	}
	deck, err := s.Repo.GetDeckByMaterial(ctx, s.DB, m.ID)
	switch {
	case err == nil:
		out.Flashcards = deck.Cards
	case !isNotFound(err):
		return nil, err
	}
	quiz, err := s.Repo.GetQuizByMaterial(ctx, s.DB, m.ID)
	switch {
	case err == nil:
		out.Questions = quiz.Questions
	case !isNotFound(err):
		return nil, err
	}
	out.Status = StatusOf(hasSummary(m), deck != nil, quiz != nil)
	return out, nil
}

// Stats returns the inputs of the library list ETag.
func (s *LibraryService) Stats(ctx context.Context, ownerID string) (int64, *time.Time, error) {
	return s.Repo.MaterialsStats(ctx, s.DB, ownerID)
}

func hasSummary(m *domain.Material) bool {
	return m.Summary != nil && strings.TrimSpace(*m.Summary) != ""
}
