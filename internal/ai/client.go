// Package ai is the HTTP client for the AI extraction microservice. The
// service is opaque: it turns a file URL into a summary, flashcards and quiz
// questions (POST /process), and answers questions about a file
// (POST /chat).
//
// Every call is bounded by its own timeout. Extract and Chat return an
// explicit result or a typed error; callers decide whether a failure is
// fatal (chat) or swallowed (ingestion).
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-study-backend/internal/config"
	"github.com/tbourn/go-study-backend/internal/sysutil"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

var (
	// ErrUnavailable covers transport errors, timeouts, non-2xx responses,
	// explicit error statuses and undecodable bodies.
	ErrUnavailable = errors.New("ai service unavailable")

	// ErrNoData means /process answered successfully but carried no ai_data.
	ErrNoData = errors.New("ai service returned no extraction data")
)

// Flashcard is one extracted front/back pair.
type Flashcard struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

// QuizItem is one extracted multiple-choice question.
type QuizItem struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation,omitempty"`
}

// Extraction is the structured result of POST /process.
type Extraction struct {
	Summary    string      `json:"summary"`
	Flashcards []Flashcard `json:"flashcards"`
	Quiz       []QuizItem  `json:"quiz"`
}

// Turn is one prior chat message forwarded as history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	FileURL  string `json:"file_url"`
	FileType string `json:"file_type"`
	Message  string `json:"message"`
	History  []Turn `json:"history"`
}

type processRequest struct {
	FileURL  string `json:"file_url"`
	FileType string `json:"file_type"`
}

type processResponse struct {
	Status  string      `json:"status"`
	AIData  *Extraction `json:"ai_data"`
	Message string      `json:"message"`
	Error   string      `json:"error"`
}

type chatResponse struct {
	Status   string `json:"status"`
	Response string `json:"response"`
	Message  string `json:"message"`
}

// Client calls the AI microservice. It is safe for concurrent use.
type Client struct {
	baseURL        string
	http           *http.Client
	extractTimeout time.Duration
	chatTimeout    time.Duration
}

// New builds a Client. A nil hc uses a dedicated http.Client without a
// global timeout; per-call timeouts come from cfg.
func New(cfg config.AIConfig, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		http:           hc,
		extractTimeout: cfg.ExtractTimeout,
		chatTimeout:    cfg.ChatTimeout,
	}
}

// Extract asks the service to process the file at fileURL. It returns
// ErrNoData when the service answered without ai_data, and an error
// wrapping ErrUnavailable for every other failure.
func (c *Client) Extract(ctx context.Context, fileURL, fileType string) (*Extraction, error) {
	ctx, span := otel.Tracer("ai/Client").Start(ctx, "Extract",
		trace.WithAttributes(attribute.String("ai.file_type", fileType)),
	)
	defer span.End()

	var out processResponse
	if err := c.post(ctx, c.extractTimeout, "/process", processRequest{FileURL: fileURL, FileType: fileType}, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extract failed")
		return nil, err
	}
	if out.Status == "error" || out.Error != "" {
		err := fmt.Errorf("%w: %s", ErrUnavailable, sysutil.FirstNonEmpty(out.Error, out.Message, "error status"))
		span.SetStatus(codes.Error, "extract error status")
		return nil, err
	}
	if out.AIData == nil {
		span.SetAttributes(attribute.Bool("ai.empty", true))
		if out.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrNoData, out.Message)
		}
		return nil, ErrNoData
	}
	span.SetAttributes(
		attribute.Int("ai.flashcards", len(out.AIData.Flashcards)),
		attribute.Int("ai.quiz", len(out.AIData.Quiz)),
	)
	return out.AIData, nil
}

// Chat asks the service a question about a file and returns the reply text.
// All failures wrap ErrUnavailable.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	ctx, span := otel.Tracer("ai/Client").Start(ctx, "Chat",
		trace.WithAttributes(
			attribute.String("ai.file_type", req.FileType),
			attribute.Int("ai.history", len(req.History)),
		),
	)
	defer span.End()

	if req.History == nil {
		req.History = []Turn{}
	}
	var out chatResponse
	if err := c.post(ctx, c.chatTimeout, "/chat", req, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat failed")
		return "", err
	}
	if out.Status == "error" {
		span.SetStatus(codes.Error, "chat error status")
		return "", fmt.Errorf("%w: %s", ErrUnavailable, sysutil.FirstNonEmpty(out.Message, "error status"))
	}
	if strings.TrimSpace(out.Response) == "" {
		span.SetStatus(codes.Error, "empty reply")
		return "", fmt.Errorf("%w: empty reply", ErrUnavailable)
	}
	return out.Response, nil
}

// post sends a JSON body and decodes a JSON 2xx response into out.
func (c *Client) post(ctx context.Context, timeout time.Duration, path string, in, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, snippet(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
