// Package services – IngestService
//
// IngestService turns an uploaded file into a Material: the bytes go to the
// blob store, the owner row is created on first use, the material row is
// written, and then the AI service is asked for a summary, flashcards and a
// quiz. Everything after the material row is best-effort: a material with
// no derived content is a valid result.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-study-backend/internal/ai"
	"github.com/tbourn/go-study-backend/internal/domain"
	"github.com/tbourn/go-study-backend/internal/observability"
	"github.com/tbourn/go-study-backend/internal/storage"
)

// IngestRepo is the persistence contract of IngestService.
type IngestRepo interface {
	EnsureUser(ctx context.Context, db *gorm.DB, u *domain.User) error
	CreateMaterial(ctx context.Context, db *gorm.DB, m *domain.Material) error
	GetMaterial(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Material, error)
	UpdateMaterialSummary(ctx context.Context, db *gorm.DB, id, summary string) error
	TouchMaterial(ctx context.Context, db *gorm.DB, id string) error
	DeleteMaterial(ctx context.Context, db *gorm.DB, id, userID string) error

	CreateDeck(ctx context.Context, db *gorm.DB, materialID, title string, cards []domain.Flashcard) (*domain.Deck, error)
	GetDeckByMaterial(ctx context.Context, db *gorm.DB, materialID string) (*domain.Deck, error)
	CreateQuiz(ctx context.Context, db *gorm.DB, materialID, title string, questions []domain.Question) (*domain.Quiz, error)
	GetQuizByMaterial(ctx context.Context, db *gorm.DB, materialID string) (*domain.Quiz, error)
}

// Extractor produces derived content for a stored file.
type Extractor interface {
	Extract(ctx context.Context, fileURL, fileType string) (*ai.Extraction, error)
}

// Upload is one file received from a client.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// IngestService coordinates uploads, material creation and enrichment.
type IngestService struct {
	DB   *gorm.DB
	Repo IngestRepo
	Blob storage.BlobStore
	AI   Extractor

	// DefaultLanguage is stored on new materials ("" leaves it unset).
	DefaultLanguage string

	// Now is overridable in tests.
	Now func() time.Time
}

// NewIngestService wires an IngestService. lang is parsed as a BCP 47 tag;
// an unparseable value falls back to English.
func NewIngestService(db *gorm.DB, r IngestRepo, blob storage.BlobStore, x Extractor, lang string) *IngestService {
	tag, err := language.Parse(strings.TrimSpace(lang))
	if err != nil {
		tag = language.English
	}
	return &IngestService{
		DB:              db,
		Repo:            r,
		Blob:            blob,
		AI:              x,
		DefaultLanguage: tag.String(),
		Now:             time.Now,
	}
}

// ClassifyMIME maps a MIME type to a MaterialType by case-insensitive
// substring match, checked in a fixed order. Anything unrecognized is
// reference text.
func ClassifyMIME(contentType string) domain.MaterialType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return domain.MaterialPDF
	case strings.Contains(ct, "presentation"):
		return domain.MaterialPowerPoint
	case strings.Contains(ct, "word"):
		return domain.MaterialWord
	case strings.Contains(ct, "image"):
		return domain.MaterialImage
	case strings.Contains(ct, "audio"):
		return domain.MaterialAudio
	default:
		return domain.MaterialRefText
	}
}

// Ingest stores file for owner and returns the created material, enriched
// with whatever the AI service could produce. Once the material row is
// written the call succeeds; extraction and artifact failures are logged and
// counted but never returned.
func (s *IngestService) Ingest(ctx context.Context, owner Owner, file *Upload) (*domain.Material, error) {
	ctx, span := otel.Tracer("services/IngestService").Start(ctx, "Ingest",
		trace.WithAttributes(attribute.String("user.id", owner.ID)),
	)
	defer span.End()

	if owner.ID == "" {
		return nil, ErrUnauthorized
	}
	if file == nil || strings.TrimSpace(file.Filename) == "" || file.Body == nil || file.Size == 0 {
		return nil, fmt.Errorf("%w: a non-empty file is required", ErrInvalidInput)
	}

	filename := path.Base(strings.ReplaceAll(file.Filename, "\\", "/"))
	contentType := file.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(path.Ext(filename)); byExt != "" {
			contentType = byExt
		}
	}
	kind := ClassifyMIME(contentType)
	span.SetAttributes(
		attribute.String("material.type", string(kind)),
		attribute.Int64("upload.size", file.Size),
	)

	key := storage.ObjectKey(owner.ID, filename, s.now())
	url, err := s.Blob.Upload(ctx, key, contentType, file.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	if err := s.Repo.EnsureUser(ctx, s.DB, &domain.User{ID: owner.ID, Email: owner.Email, Name: owner.Name}); err != nil {
		s.discardBlob(ctx, key)
		span.RecordError(err)
		return nil, fmt.Errorf("%w: ensure user: %v", ErrPersistence, err)
	}

	m := &domain.Material{
		UserID:      owner.ID,
		Title:       normalizeTitle(filename),
		Type:        kind,
		ContentURL:  url,
		StoragePath: key,
	}
	if s.DefaultLanguage != "" {
		lang := s.DefaultLanguage
		m.Language = &lang
	}
	if err := s.Repo.CreateMaterial(ctx, s.DB, m); err != nil {
		s.discardBlob(ctx, key)
		span.RecordError(err)
		span.SetStatus(codes.Error, "create material failed")
		return nil, fmt.Errorf("%w: create material: %v", ErrPersistence, err)
	}
	span.SetAttributes(attribute.String("material.id", m.ID))

	x, err := s.extract(ctx, m)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("material_id", m.ID).
			Str("material_type", string(kind)).
			Msg("extraction failed; material stored without derived content")
		return m, nil
	}
	s.enrich(ctx, m, x, enrichAll)
	return m, nil
}

// Regenerate re-runs extraction for an owned material and fills only the
// artifacts that are still missing. Unlike Ingest, an AI failure is
// returned because the caller explicitly asked for new content.
func (s *IngestService) Regenerate(ctx context.Context, owner Owner, id string) (*domain.Material, error) {
	ctx, span := otel.Tracer("services/IngestService").Start(ctx, "Regenerate",
		trace.WithAttributes(
			attribute.String("user.id", owner.ID),
			attribute.String("material.id", id),
		),
	)
	defer span.End()

	if owner.ID == "" {
		return nil, ErrUnauthorized
	}
	m, err := s.Repo.GetMaterial(ctx, s.DB, id, owner.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if m.ContentURL == "" {
		return nil, ErrNotFound
	}

	var want enrichMask
	if m.Summary == nil || strings.TrimSpace(*m.Summary) == "" {
		want |= enrichSummary
	}
	if _, err := s.Repo.GetDeckByMaterial(ctx, s.DB, m.ID); err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		want |= enrichDeck
	}
	if _, err := s.Repo.GetQuizByMaterial(ctx, s.DB, m.ID); err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		want |= enrichQuiz
	}
	if want == 0 {
		return m, nil
	}

	x, err := s.extract(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extract failed")
		return nil, fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	if failed := s.enrich(ctx, m, x, want); failed > 0 {
		return m, fmt.Errorf("%w: %d artifact(s) not saved", ErrPersistence, failed)
	}
	return m, nil
}

// DeleteMaterial removes an owned material and everything derived from it.
// Blob removal is best-effort; the row deletion is what the caller observes.
func (s *IngestService) DeleteMaterial(ctx context.Context, owner Owner, id string) error {
	ctx, span := otel.Tracer("services/IngestService").Start(ctx, "DeleteMaterial",
		trace.WithAttributes(
			attribute.String("user.id", owner.ID),
			attribute.String("material.id", id),
		),
	)
	defer span.End()

	if owner.ID == "" {
		return ErrUnauthorized
	}
	m, err := s.Repo.GetMaterial(ctx, s.DB, id, owner.ID)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}

	key := m.StoragePath
	if key == "" {
		// Rows written before storage_path existed only carry the URL.
		if r, ok := s.Blob.(storage.PathResolver); ok {
			key, _ = r.PathFromURL(m.ContentURL)
		}
	}
	if key != "" {
		if err := s.Blob.Remove(ctx, key); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Str("material_id", m.ID).
				Str("storage_path", key).
				Msg("blob removal failed; deleting row anyway")
		}
	}

	if err := s.Repo.DeleteMaterial(ctx, s.DB, m.ID, owner.ID); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		span.RecordError(err)
		return fmt.Errorf("%w: delete material: %v", ErrPersistence, err)
	}
	return nil
}

// maxTitleRunes matches the width of materials.title.
const maxTitleRunes = 255

type enrichMask uint8

const (
	enrichSummary enrichMask = 1 << iota
	enrichDeck
	enrichQuiz

	enrichAll = enrichSummary | enrichDeck | enrichQuiz
)

// extract calls the AI service and records the outcome.
func (s *IngestService) extract(ctx context.Context, m *domain.Material) (*ai.Extraction, error) {
	if s.AI == nil {
		observability.ExtractionTotal.WithLabelValues(observability.OutcomeError).Inc()
		return nil, ai.ErrUnavailable
	}
	x, err := s.AI.Extract(ctx, m.ContentURL, string(m.Type))
	switch {
	case errors.Is(err, ai.ErrNoData):
		observability.ExtractionTotal.WithLabelValues(observability.OutcomeEmpty).Inc()
	case err != nil:
		observability.ExtractionTotal.WithLabelValues(observability.OutcomeError).Inc()
	case x == nil:
		observability.ExtractionTotal.WithLabelValues(observability.OutcomeEmpty).Inc()
		err = ai.ErrNoData
	default:
		observability.ExtractionTotal.WithLabelValues(observability.OutcomeOK).Inc()
	}
	return x, err
}

// enrich persists the selected artifacts from x. Each artifact is attempted
// independently; it returns how many attempted writes failed. A deck or quiz
// that another request attached first counts as present, not as a failure.
// When a deck or quiz is attached the material's updated_at is bumped so
// library validators change.
func (s *IngestService) enrich(ctx context.Context, m *domain.Material, x *ai.Extraction, mask enrichMask) int {
	lg := zerolog.Ctx(ctx).With().Str("material_id", m.ID).Logger()
	failed := 0

	record := func(artifact string, err error) {
		observability.ArtifactTotal.WithLabelValues(artifact, observability.Outcome(err)).Inc()
		if err != nil {
			failed++
			lg.Error().Err(fmt.Errorf("%w: %v", ErrPersistence, err)).Str("artifact", artifact).Msg("derived content not saved")
		}
	}
	skip := func(artifact string) {
		observability.ArtifactTotal.WithLabelValues(artifact, observability.OutcomeSkipped).Inc()
	}
	attached := false
	attach := func(artifact string, err error) {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			lg.Debug().Str("artifact", artifact).Msg("already attached by a concurrent request")
			skip(artifact)
			return
		}
		record(artifact, err)
		if err == nil {
			attached = true
		}
	}

	if mask&enrichSummary != 0 {
		if summary := strings.TrimSpace(x.Summary); summary != "" {
			err := s.Repo.UpdateMaterialSummary(ctx, s.DB, m.ID, summary)
			if err == nil {
				m.Summary = &summary
			}
			record("summary", err)
		} else {
			skip("summary")
		}
	}

	if mask&enrichDeck != 0 {
		if len(x.Flashcards) > 0 {
			cards := make([]domain.Flashcard, 0, len(x.Flashcards))
			for _, fc := range x.Flashcards {
				cards = append(cards, domain.Flashcard{Front: fc.Front, Back: fc.Back, Difficulty: domain.DefaultDifficulty})
			}
			_, err := s.Repo.CreateDeck(ctx, s.DB, m.ID, domain.DefaultDeckTitle, cards)
			attach("deck", err)
		} else {
			skip("deck")
		}
	}

	if mask&enrichQuiz != 0 {
		if len(x.Quiz) > 0 {
			qs := make([]domain.Question, 0, len(x.Quiz))
			for _, item := range x.Quiz {
				expl := strings.TrimSpace(item.Explanation)
				if expl == "" {
					expl = domain.DefaultQuizExplanation
				}
				qs = append(qs, domain.Question{
					Prompt:        item.Question,
					Options:       item.Options,
					CorrectAnswer: item.Answer,
					Explanation:   &expl,
				})
			}
			_, err := s.Repo.CreateQuiz(ctx, s.DB, m.ID, domain.DefaultQuizTitle, qs)
			attach("quiz", err)
		} else {
			skip("quiz")
		}
	}

	if attached {
		if err := s.Repo.TouchMaterial(ctx, s.DB, m.ID); err != nil {
			lg.Warn().Err(err).Msg("material updated_at not bumped")
		}
	}
	return failed
}

// discardBlob removes an object whose material row was never written.
func (s *IngestService) discardBlob(ctx context.Context, key string) {
	if err := s.Blob.Remove(context.WithoutCancel(ctx), key); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("storage_path", key).Msg("orphaned blob not removed")
	}
}

func (s *IngestService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// normalizeTitle NFC-normalizes a filename so visually identical names
// compare equal, and strips control characters.
func normalizeTitle(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" {
		return "Untitled"
	}
	if utf8.RuneCountInString(name) > maxTitleRunes {
		name = string([]rune(name)[:maxTitleRunes])
	}
	return name
}
