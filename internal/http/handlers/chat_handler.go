// Chat HTTP handlers.
//
// This file exposes the tutor endpoints of a material:
//   - POST /materials/{id}/chat       (ask a question about the material)
//   - GET  /materials/{id}/messages   (transcript, paginated, oldest first)
//
// The chat reply is written and flushed before the exchange is saved, so the
// caller never waits on, or sees, transcript persistence.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-study-backend/internal/ai"
	"github.com/tbourn/go-study-backend/internal/domain"
	"github.com/tbourn/go-study-backend/internal/http/middleware"
)

// maxMessageRunes bounds a single chat message at the edge.
const maxMessageRunes = 4000

//
// DTOs
//

// ChatTurn is one prior exchange entry supplied by the client.
type ChatTurn struct {
	Role    string `json:"role" enums:"user,assistant" example:"user"`
	Content string `json:"content" example:"What does the mitochondria do?"`
}

// ChatRequest is the JSON payload for a tutor question.
//
// History is the client's view of the conversation. When empty the stored
// transcript is used instead. Only the most recent turns are forwarded.
type ChatRequest struct {
	Message string     `json:"message" binding:"required" example:"Explain the Krebs cycle in two sentences."`
	History []ChatTurn `json:"history"`
}

// ChatResponse carries the tutor's reply.
type ChatResponse struct {
	Success  bool   `json:"success" example:"true"`
	Response string `json:"response" example:"The Krebs cycle oxidizes acetyl-CoA…"`
}

// ListMessagesResponse contains a page of transcript messages and pagination
// metadata.
type ListMessagesResponse struct {
	Messages   []domain.ChatMessage `json:"messages"`
	Pagination Pagination           `json:"pagination"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text: CRLF/CR become LF, runs of blank
// lines are collapsed and surrounding whitespace is trimmed.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func toTurns(in []ChatTurn) []ai.Turn {
	if len(in) == 0 {
		return nil
	}
	out := make([]ai.Turn, 0, len(in))
	for _, t := range in {
		out = append(out, ai.Turn{Role: strings.ToLower(strings.TrimSpace(t.Role)), Content: t.Content})
	}
	return out
}

//
// Handlers
//

// Chat godoc
// @ID          chatWithMaterial
// @Summary     Ask the tutor about a material
// @Description Sends the question and recent history to the AI tutor and returns its reply.
// @Description The exchange is appended to the material's transcript after the reply is sent;
// @Description a failure to save it is logged and never reported to the caller.
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  string                true  "Material ID (UUID)"  format(uuid)
// @Param       body  body  handlers.ChatRequest  true  "Question and optional history"
//
// @Success     200  {object}  handlers.ChatResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     404  {object}  handlers.ErrorResponse  "Material not found"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     502  {object}  handlers.ErrorResponse  "AI tutor unavailable"
// @Router      /materials/{id}/chat [post]
func (h *Handlers) Chat(c *gin.Context) {
	id, valid := materialID(c)
	if !valid {
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message required")
		return
	}
	msg := sanitizeContent(req.Message)
	if msg == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message required")
		return
	}
	if utf8.RuneCountInString(msg) > maxMessageRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("message too long: max %d runes", maxMessageRunes))
		return
	}

	ctx := c.Request.Context()
	ex, err := h.chat.Ask(ctx, owner(c).ID, id, msg, toTurns(req.History))
	if err != nil {
		failService(c, err, ErrCodeChatFailed)
		return
	}

	ok(c, http.StatusOK, ChatResponse{Success: true, Response: ex.Reply})
	c.Writer.Flush()

	// The client may hang up once it has the reply; the append must still run.
	path := h.chat.Record(context.WithoutCancel(ctx), ex)
	middleware.LoggerFrom(c).Debug().Str("material_id", id).Str("persist_path", path).Msg("chat exchange recorded")
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List a material's chat transcript
// @Description Returns a page of the transcript in conversation order. Supports weak ETag via If-None-Match.
// @Tags        Chat
// @Produce     json
// @Security    BearerAuth
//
// @Param       id         path   string  true  "Material ID (UUID)"  format(uuid)
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Material not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /materials/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	id, valid := materialID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	me := owner(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort). Transcripts are append-only, so the count
	// and newest timestamp identify the content.
	if count, newest, err := h.chat.TranscriptStats(ctx, me.ID, id); err == nil {
		var ts int64
		if newest != nil {
			ts = newest.UnixMicro()
		}
		if notModified(c, fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%d"`, id, count, ts, page, pageSize)) {
			return
		}
	}

	items, total, err := h.chat.Transcript(ctx, me.ID, id, page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}

	if items == nil {
		items = []domain.ChatMessage{}
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: paginate(page, pageSize, total)})
}
