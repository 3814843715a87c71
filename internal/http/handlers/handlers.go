// Package handlers provides HTTP handler implementations for the public API.
//
// Handlers are transport-thin: they read the identity resolved by the Auth
// middleware, validate input, call application services through the small
// interfaces below, and translate results into JSON responses.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-study-backend/internal/ai"
	"github.com/tbourn/go-study-backend/internal/domain"
	"github.com/tbourn/go-study-backend/internal/http/middleware"
	"github.com/tbourn/go-study-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// Ingestor creates, re-enriches and deletes study materials.
type Ingestor interface {
	Ingest(ctx context.Context, owner services.Owner, file *services.Upload) (*domain.Material, error)
	Regenerate(ctx context.Context, owner services.Owner, id string) (*domain.Material, error)
	DeleteMaterial(ctx context.Context, owner services.Owner, id string) error
}

// Library is the read side of a user's materials.
type Library interface {
	List(ctx context.Context, ownerID string, page, pageSize int) ([]services.LibraryItem, int64, error)
	Get(ctx context.Context, ownerID, id string) (*services.MaterialDetail, error)
	// Stats returns the material count and latest update time used for ETags.
	Stats(ctx context.Context, ownerID string) (int64, *time.Time, error)
}

// Conversation answers questions about a material and keeps its transcript.
//
// Ask and Record are separate so the reply can be flushed to the client before
// the exchange is persisted.
type Conversation interface {
	Ask(ctx context.Context, ownerID, materialID, message string, history []ai.Turn) (*services.Exchange, error)
	Record(ctx context.Context, ex *services.Exchange) string
	Transcript(ctx context.Context, ownerID, materialID string, page, pageSize int) ([]domain.ChatMessage, int64, error)
	// TranscriptStats returns the message count and newest message time used
	// for ETags.
	TranscriptStats(ctx context.Context, ownerID, materialID string) (int64, *time.Time, error)
}

// Profiles reads and updates the caller's user row.
type Profiles interface {
	Get(ctx context.Context, owner services.Owner) (*domain.User, error)
	UpdateName(ctx context.Context, owner services.Owner, name string) (*domain.User, error)
}

// IdempotencyStore records which resource a keyed request produced, so a
// retry with the same Idempotency-Key can be answered without side effects.
type IdempotencyStore interface {
	Save(ctx context.Context, userID, scope, key, resourceID string, status int) error
}

//
// Handler wiring
//

// Options carries transport-level limits.
type Options struct {
	// MaxUploadBytes caps a single uploaded file. Zero disables the check.
	MaxUploadBytes int64
	// Idempotency is optional; without it keyed uploads are not recorded.
	Idempotency IdempotencyStore
}

// Handlers groups HTTP endpoints for materials, chat and the profile.
type Handlers struct {
	ingest  Ingestor
	library Library
	chat    Conversation
	profile Profiles
	opts    Options
}

// New constructs a Handlers instance bound to the given services.
func New(ing Ingestor, lib Library, chat Conversation, prof Profiles, opts Options) *Handlers {
	return &Handlers{ingest: ing, library: lib, chat: chat, profile: prof, opts: opts}
}

// owner converts the identity set by middleware.Auth into a services.Owner.
// Outside an authenticated route the ID is empty and services answer with
// ErrUnauthorized.
func owner(c *gin.Context) services.Owner {
	id, _ := middleware.IdentityFrom(c)
	return services.Owner{ID: id.ID, Email: id.Email, Name: id.Name}
}
