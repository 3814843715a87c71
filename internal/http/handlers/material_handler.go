// Material HTTP handlers.
//
// This file exposes REST endpoints for study materials:
//   - POST   /materials                   (multipart upload, ingestion + enrichment)
//   - GET    /materials                   (library, paginated, ETag support)
//   - GET    /materials/{id}              (material with flashcards and quiz)
//   - DELETE /materials/{id}              (delete with blob cleanup and cascade)
//   - POST   /materials/{id}/regenerate   (fill missing derived content)
//
// Upload supports Idempotency-Key: when IdempotencyValidator finds a completed
// upload for (user, route, key) the handler returns that material with
// `Idempotency-Replayed: true` instead of storing the file again.
package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-study-backend/internal/domain"
	"github.com/tbourn/go-study-backend/internal/http/middleware"
	"github.com/tbourn/go-study-backend/internal/services"
)

//
// DTOs
//

// MaterialItem is one library entry: the material plus what has been derived
// from it so far.
type MaterialItem struct {
	domain.Material
	HasDeck bool                      `json:"has_deck"`
	HasQuiz bool                      `json:"has_quiz"`
	Status  services.EnrichmentStatus `json:"status" enums:"pending,partially_enriched,enriched"`
}

// ListMaterialsResponse wraps a page of materials and pagination information.
type ListMaterialsResponse struct {
	Materials  []MaterialItem `json:"materials"`
	Pagination Pagination     `json:"pagination"`
}

// MaterialDetailResponse is a material with its flattened derived content.
// Flashcards and Questions are always arrays, empty while pending.
type MaterialDetailResponse struct {
	Material   domain.Material           `json:"material"`
	Status     services.EnrichmentStatus `json:"status" enums:"pending,partially_enriched,enriched"`
	Flashcards []domain.Flashcard        `json:"flashcards"`
	Questions  []domain.Question         `json:"questions"`
}

func detailResponse(d *services.MaterialDetail) MaterialDetailResponse {
	return MaterialDetailResponse{
		Material:   d.Material,
		Status:     d.Status,
		Flashcards: d.Flashcards,
		Questions:  d.Questions,
	}
}

// materialID validates the :id path parameter.
func materialID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "material id must be a UUID")
		return "", false
	}
	return id, true
}

// respondDetail loads the detail view of id and writes it with status. When
// the read fails after a successful write, the bare material is returned so
// the client still learns the id.
func (h *Handlers) respondDetail(c *gin.Context, status int, m *domain.Material) {
	d, err := h.library.Get(c.Request.Context(), m.UserID, m.ID)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Str("material_id", m.ID).Msg("detail reload failed")
		hasSummary := m.Summary != nil && *m.Summary != ""
		ok(c, status, MaterialDetailResponse{
			Material:   *m,
			Status:     services.StatusOf(hasSummary, false, false),
			Flashcards: []domain.Flashcard{},
			Questions:  []domain.Question{},
		})
		return
	}
	ok(c, status, detailResponse(d))
}

//
// Handlers
//

// UploadMaterial godoc
// @ID          uploadMaterial
// @Summary     Upload a study material
// @Description Stores the file, records the material and runs AI extraction (summary, flashcards, quiz).
// @Description Extraction failures do not fail the upload; the material is then returned with status "pending".
// @Description Supports idempotency via the Idempotency-Key header (same key → same material).
// @Tags        Materials
// @Accept      multipart/form-data
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header    string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       file             formData  file    true  "Document, slide deck, image or audio file"
//
// @Success     201  {object}  handlers.MaterialDetailResponse  "Created"
// @Success     200  {object}  handlers.MaterialDetailResponse  "Replayed"
// @Header      200  {string}  Idempotency-Replayed             "true on replay"
// @Failure     400  {object}  handlers.ErrorResponse  "No file uploaded"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     413  {object}  handlers.ErrorResponse  "File too large"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     502  {object}  handlers.ErrorResponse  "Storage unavailable"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /materials [post]
func (h *Handlers) UploadMaterial(c *gin.Context) {
	ctx := c.Request.Context()
	me := owner(c)

	// Replay path: the key already produced a material.
	if id, replay := middleware.ReplayedResource(c); replay {
		d, err := h.library.Get(ctx, me.ID, id)
		if err == nil {
			c.Header(headerReplayed, "true")
			ok(c, http.StatusOK, detailResponse(d))
			return
		}
		// The material was deleted since; treat the request as new.
		middleware.LoggerFrom(c).Debug().Err(err).Str("material_id", id).Msg("idempotent replay target gone")
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, fmt.Sprintf("file exceeds %d bytes", tooLarge.Limit))
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "no file uploaded")
		return
	}
	if limit := h.opts.MaxUploadBytes; limit > 0 && fh.Size > limit {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, fmt.Sprintf("file exceeds %d bytes", limit))
		return
	}

	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable file part")
		return
	}
	defer f.Close()

	m, err := h.ingest.Ingest(ctx, me, &services.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	})
	if err != nil {
		failService(c, err, ErrCodeUploadFailed)
		return
	}

	// Idempotency (store path), best effort.
	if key, has := middleware.GetIdempotencyKey(c); has && h.opts.Idempotency != nil {
		if err := h.opts.Idempotency.Save(ctx, me.ID, middleware.IdempotencyScope(c), key, m.ID, http.StatusCreated); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not saved")
		}
	}

	h.respondDetail(c, http.StatusCreated, m)
}

// ListMaterials godoc
// @ID          listMaterials
// @Summary     List materials (paginated)
// @Description Returns the caller's materials, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Materials
// @Produce     json
// @Security    BearerAuth
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"materials:u1:3:1700000000123456:1:20\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMaterialsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /materials [get]
func (h *Handlers) ListMaterials(c *gin.Context) {
	ctx := c.Request.Context()
	me := owner(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort). Page parameters are part of the tag so
	// different pages never share a validator.
	if count, maxTS, err := h.library.Stats(ctx, me.ID); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixMicro()
		}
		etag := fmt.Sprintf(`W/"materials:%s:%d:%d:%d:%d"`, me.ID, count, ts, page, pageSize)
		if notModified(c, etag) {
			return
		}
	}

	items, total, err := h.library.List(ctx, me.ID, page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}

	out := make([]MaterialItem, 0, len(items))
	for _, it := range items {
		out = append(out, MaterialItem{Material: it.Material, HasDeck: it.HasDeck, HasQuiz: it.HasQuiz, Status: it.Status})
	}
	ok(c, http.StatusOK, ListMaterialsResponse{Materials: out, Pagination: paginate(page, pageSize, total)})
}

// GetMaterial godoc
// @ID          getMaterial
// @Summary     Get a material with its flashcards and quiz
// @Tags        Materials
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Material ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.MaterialDetailResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Material not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /materials/{id} [get]
func (h *Handlers) GetMaterial(c *gin.Context) {
	id, valid := materialID(c)
	if !valid {
		return
	}
	d, err := h.library.Get(c.Request.Context(), owner(c).ID, id)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, detailResponse(d))
}

// DeleteMaterial godoc
// @ID          deleteMaterial
// @Summary     Delete a material
// @Description Removes the stored file (best effort) and deletes the material with its decks, quizzes and transcript.
// @Description A material owned by someone else is reported as not found.
// @Tags        Materials
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Material ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Material not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /materials/{id} [delete]
func (h *Handlers) DeleteMaterial(c *gin.Context) {
	id, valid := materialID(c)
	if !valid {
		return
	}
	if err := h.ingest.DeleteMaterial(c.Request.Context(), owner(c), id); err != nil {
		failService(c, err, ErrCodeDeleteFailed)
		return
	}
	noContent(c)
}

// RegenerateMaterial godoc
// @ID          regenerateMaterial
// @Summary     Re-run AI extraction for a material
// @Description Fills in whichever of summary, flashcard deck and quiz are missing. Existing content is kept.
// @Description Unlike upload, an AI failure here is reported as 502.
// @Tags        Materials
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Material ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.MaterialDetailResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Material not found"
// @Failure     429  {object} handlers.ErrorResponse "Rate limited"
// @Failure     502  {object} handlers.ErrorResponse "AI service unavailable"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /materials/{id}/regenerate [post]
func (h *Handlers) RegenerateMaterial(c *gin.Context) {
	id, valid := materialID(c)
	if !valid {
		return
	}
	m, err := h.ingest.Regenerate(c.Request.Context(), owner(c), id)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	h.respondDetail(c, http.StatusOK, m)
}
