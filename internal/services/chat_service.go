// Package services – ChatService
//
// ChatService answers questions about a material and keeps its transcript.
// The work is split in two so the HTTP layer can deliver the reply before
// anything is written: Ask validates, builds the history window and calls
// the AI service; Record appends the exchange to the transcript. Record
// never fails the caller. If the ordered transactional append fails it makes
// exactly one attempt through a reduced single-insert path and then gives up.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-study-backend/internal/ai"
	"github.com/tbourn/go-study-backend/internal/config"
	"github.com/tbourn/go-study-backend/internal/domain"
	"github.com/tbourn/go-study-backend/internal/observability"
	"github.com/tbourn/go-study-backend/internal/utils"
)

// Write paths reported by Record.
const (
	PersistPrimary = "primary"
	PersistReduced = "reduced"
	PersistNone    = "none"
)

// ChatRepo is the persistence contract of ChatService.
type ChatRepo interface {
	GetMaterial(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Material, error)
	ListRecentMessages(ctx context.Context, db *gorm.DB, materialID string, limit int) ([]domain.ChatMessage, error)
	AppendExchange(ctx context.Context, db *gorm.DB, materialID, userContent, assistantContent string, now time.Time) ([]domain.ChatMessage, error)
	AppendExchangeBasic(ctx context.Context, db *gorm.DB, materialID, userContent, assistantContent string) error
	CountMessages(ctx context.Context, db *gorm.DB, materialID string) (int64, error)
	MessagesStats(ctx context.Context, db *gorm.DB, materialID string) (int64, *time.Time, error)
	ListMessagesPage(ctx context.Context, db *gorm.DB, materialID string, offset, limit int) ([]domain.ChatMessage, error)
}

// Responder answers a question about a file.
type Responder interface {
	Chat(ctx context.Context, req ai.ChatRequest) (string, error)
}

// Exchange is one answered question waiting to be recorded.
type Exchange struct {
	MaterialID string
	Message    string
	Reply      string
	At         time.Time
}

// ChatService validates chat requests, calls the AI service and records
// transcripts.
type ChatService struct {
	DB   *gorm.DB
	Repo ChatRepo
	AI   Responder

	// HistoryWindow caps how many prior turns are sent to the AI service.
	HistoryWindow int

	Now func() time.Time
}

// NewChatService builds a ChatService. window is clamped to
// (0, config.MaxChatHistory].
func NewChatService(db *gorm.DB, r ChatRepo, x Responder, window int) *ChatService {
	if window <= 0 || window > config.MaxChatHistory {
		window = config.MaxChatHistory
	}
	return &ChatService{DB: db, Repo: r, AI: x, HistoryWindow: window, Now: time.Now}
}

// Ask answers message about an owned material. history, when non-empty, is
// the client's view of the conversation; otherwise the stored transcript is
// used. Either way only the most recent turns are forwarded. Any AI failure
// is returned as ErrExternalService.
func (s *ChatService) Ask(ctx context.Context, ownerID, materialID, message string, history []ai.Turn) (*Exchange, error) {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "Ask",
		trace.WithAttributes(
			attribute.String("user.id", ownerID),
			attribute.String("material.id", materialID),
		),
	)
	defer span.End()

	if ownerID == "" {
		return nil, ErrUnauthorized
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}

	m, err := s.Repo.GetMaterial(ctx, s.DB, materialID, ownerID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if m.ContentURL == "" {
		return nil, ErrNotFound
	}

	turns := trimHistory(history, s.window())
	if len(turns) == 0 {
		stored, err := s.Repo.ListRecentMessages(ctx, s.DB, m.ID, s.window())
		if err != nil {
			// A missing history degrades the answer; it does not block it.
			zerolog.Ctx(ctx).Warn().Err(err).Str("material_id", m.ID).Msg("stored history unavailable")
		}
		turns = turnsFromMessages(stored)
	}
	span.SetAttributes(attribute.Int("chat.history", len(turns)))

	reply, err := s.AI.Chat(ctx, ai.ChatRequest{
		FileURL:  m.ContentURL,
		FileType: string(m.Type),
		Message:  message,
		History:  turns,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat failed")
		return nil, fmt.Errorf("%w: %v", ErrExternalService, err)
	}

	return &Exchange{MaterialID: m.ID, Message: message, Reply: reply, At: s.now()}, nil
}

// Record appends ex to the transcript and reports which write path
// succeeded (PersistPrimary, PersistReduced or PersistNone). Failures are
// logged and counted, never returned.
func (s *ChatService) Record(ctx context.Context, ex *Exchange) string {
	if ex == nil {
		return PersistNone
	}
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "Record",
		trace.WithAttributes(attribute.String("material.id", ex.MaterialID)),
	)
	defer span.End()

	lg := zerolog.Ctx(ctx).With().Str("material_id", ex.MaterialID).Logger()

	at := ex.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.Repo.AppendExchange(ctx, s.DB, ex.MaterialID, ex.Message, ex.Reply, at)
	observability.ChatPersistTotal.WithLabelValues(PersistPrimary, observability.Outcome(err)).Inc()
	if err == nil {
		span.SetAttributes(attribute.String("chat.persist_path", PersistPrimary))
		return PersistPrimary
	}
	lg.Warn().Err(err).Msg("transcript append failed; retrying with single insert")

	err = s.Repo.AppendExchangeBasic(ctx, s.DB, ex.MaterialID, ex.Message, ex.Reply)
	observability.ChatPersistTotal.WithLabelValues(PersistReduced, observability.Outcome(err)).Inc()
	if err == nil {
		span.SetAttributes(attribute.String("chat.persist_path", PersistReduced))
		return PersistReduced
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "transcript not saved")
	lg.Error().Err(fmt.Errorf("%w: %v", ErrPersistence, err)).Msg("transcript not saved; reply was delivered")
	return PersistNone
}

// Converse is Ask followed by Record.
func (s *ChatService) Converse(ctx context.Context, ownerID, materialID, message string, history []ai.Turn) (string, error) {
	ex, err := s.Ask(ctx, ownerID, materialID, message, history)
	if err != nil {
		return "", err
	}
	s.Record(ctx, ex)
	return ex.Reply, nil
}

// Transcript returns one page of an owned material's messages in
// conversation order, plus the total count.
func (s *ChatService) Transcript(ctx context.Context, ownerID, materialID string, page, pageSize int) ([]domain.ChatMessage, int64, error) {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "Transcript",
		trace.WithAttributes(
			attribute.String("material.id", materialID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if ownerID == "" {
		return nil, 0, ErrUnauthorized
	}
	if _, err := s.Repo.GetMaterial(ctx, s.DB, materialID, ownerID); err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}

	page, pageSize = utils.ClampPage(page, pageSize)
	total, err := s.Repo.CountMessages(ctx, s.DB, materialID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ChatMessage{}, 0, nil
	}
	msgs, err := s.Repo.ListMessagesPage(ctx, s.DB, materialID, utils.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// TranscriptStats returns the message count and newest message time of an
// owned material's transcript, for conditional responses.
func (s *ChatService) TranscriptStats(ctx context.Context, ownerID, materialID string) (int64, *time.Time, error) {
	if ownerID == "" {
		return 0, nil, ErrUnauthorized
	}
	if _, err := s.Repo.GetMaterial(ctx, s.DB, materialID, ownerID); err != nil {
		if isNotFound(err) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, err
	}
	return s.Repo.MessagesStats(ctx, s.DB, materialID)
}

func (s *ChatService) window() int {
	if s.HistoryWindow <= 0 || s.HistoryWindow > config.MaxChatHistory {
		return config.MaxChatHistory
	}
	return s.HistoryWindow
}

func (s *ChatService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// trimHistory keeps the last n well-formed turns, reduced to role and
// content.
func trimHistory(in []ai.Turn, n int) []ai.Turn {
	out := make([]ai.Turn, 0, len(in))
	for _, t := range in {
		role := strings.ToLower(strings.TrimSpace(t.Role))
		if role != domain.RoleUser && role != domain.RoleAssistant {
			continue
		}
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		out = append(out, ai.Turn{Role: role, Content: t.Content})
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func turnsFromMessages(msgs []domain.ChatMessage) []ai.Turn {
	out := make([]ai.Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ai.Turn{Role: m.Role, Content: m.Content})
	}
	return out
}
