package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-study-backend/internal/ai"
	"github.com/tbourn/go-study-backend/internal/domain"
	"github.com/tbourn/go-study-backend/internal/http/middleware"
	"github.com/tbourn/go-study-backend/internal/services"
)

const (
	matA = "141add05-4415-4938-b5a1-17e0d3171aff"
	matB = "5b1e3c2a-9f0d-4d7e-8c6b-2a1f0e9d8c7b"
)

// ---------- service stubs ----------

type stubIngest struct {
	ingest  func(services.Owner, *services.Upload) (*domain.Material, error)
	regen   func(services.Owner, string) (*domain.Material, error)
	del     func(services.Owner, string) error
	calls   int
	gotBody []byte
	gotUp   services.Upload
}

func (s *stubIngest) Ingest(_ context.Context, o services.Owner, f *services.Upload) (*domain.Material, error) {
	s.calls++
	s.gotUp = *f
	s.gotBody, _ = io.ReadAll(f.Body)
	if s.ingest != nil {
		return s.ingest(o, f)
	}
	return &domain.Material{ID: matA, UserID: o.ID, Title: f.Filename, Type: services.ClassifyMIME(f.ContentType)}, nil
}

func (s *stubIngest) Regenerate(_ context.Context, o services.Owner, id string) (*domain.Material, error) {
	if s.regen != nil {
		return s.regen(o, id)
	}
	return &domain.Material{ID: id, UserID: o.ID}, nil
}

func (s *stubIngest) DeleteMaterial(_ context.Context, o services.Owner, id string) error {
	if s.del != nil {
		return s.del(o, id)
	}
	return nil
}

type stubLibrary struct {
	items   []services.LibraryItem
	details map[string]*services.MaterialDetail
	count   int64
	maxTS   *time.Time
	listErr error
	lists   int
}

func (s *stubLibrary) List(_ context.Context, ownerID string, page, pageSize int) ([]services.LibraryItem, int64, error) {
	s.lists++
	if ownerID == "" {
		return nil, 0, services.ErrUnauthorized
	}
	if s.listErr != nil {
		return nil, 0, s.listErr
	}
	return s.items, int64(len(s.items)), nil
}

func (s *stubLibrary) Get(_ context.Context, ownerID, id string) (*services.MaterialDetail, error) {
	if d, ok := s.details[id]; ok && d.Material.UserID == ownerID {
		return d, nil
	}
	return nil, services.ErrNotFound
}

func (s *stubLibrary) Stats(context.Context, string) (int64, *time.Time, error) {
	return s.count, s.maxTS, nil
}

type stubChat struct {
	ask        func(ownerID, materialID, message string, history []ai.Turn) (*services.Exchange, error)
	recorded   []*services.Exchange
	recordErr  error
	transcript []domain.ChatMessage
	pages      int
	wroteFirst bool
	w          *httptest.ResponseRecorder
}

func (s *stubChat) Ask(_ context.Context, ownerID, materialID, message string, history []ai.Turn) (*services.Exchange, error) {
	if s.ask != nil {
		return s.ask(ownerID, materialID, message, history)
	}
	return &services.Exchange{MaterialID: materialID, Message: message, Reply: "echo: " + message}, nil
}

func (s *stubChat) Record(ctx context.Context, ex *services.Exchange) string {
	s.recordErr = ctx.Err()
	if s.w != nil {
		s.wroteFirst = s.w.Flushed && strings.Contains(s.w.Body.String(), ex.Reply)
	}
	s.recorded = append(s.recorded, ex)
	return services.PersistPrimary
}

func (s *stubChat) Transcript(_ context.Context, ownerID, materialID string, page, pageSize int) ([]domain.ChatMessage, int64, error) {
	s.pages++
	if materialID != matA {
		return nil, 0, services.ErrNotFound
	}
	return s.transcript, int64(len(s.transcript)), nil
}

func (s *stubChat) TranscriptStats(_ context.Context, ownerID, materialID string) (int64, *time.Time, error) {
	if materialID != matA {
		return 0, nil, services.ErrNotFound
	}
	if len(s.transcript) == 0 {
		return 0, nil, nil
	}
	newest := s.transcript[len(s.transcript)-1].CreatedAt
	return int64(len(s.transcript)), &newest, nil
}

type stubProfile struct{ name string }

func (s *stubProfile) Get(_ context.Context, o services.Owner) (*domain.User, error) {
	if o.ID == "" {
		return nil, services.ErrUnauthorized
	}
	name := s.name
	if name == "" {
		name = domain.DefaultUserName
	}
	return &domain.User{ID: o.ID, Email: o.Email, Name: name, Role: domain.RoleStudent, Level: 1}, nil
}

func (s *stubProfile) UpdateName(_ context.Context, o services.Owner, name string) (*domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is empty", services.ErrInvalidInput)
	}
	s.name = name
	return s.Get(context.Background(), o)
}

type idemRecord struct {
	userID, scope, key, resourceID string
	status                         int
}

type stubIdem struct{ saved []idemRecord }

func (s *stubIdem) Save(_ context.Context, userID, scope, key, resourceID string, status int) error {
	s.saved = append(s.saved, idemRecord{userID, scope, key, resourceID, status})
	return nil
}

func (s *stubIdem) lookup(_ context.Context, userID, scope, key string, _ time.Time) (string, bool, error) {
	for _, r := range s.saved {
		if r.userID == userID && r.scope == scope && r.key == key {
			return r.resourceID, true, nil
		}
	}
	return "", false, nil
}

// ---------- router ----------

type fixture struct {
	ing  *stubIngest
	lib  *stubLibrary
	chat *stubChat
	prof *stubProfile
	idem *stubIdem
	r    *gin.Engine
}

func newFixture(t *testing.T, maxUpload int64) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		ing:  &stubIngest{},
		lib:  &stubLibrary{details: map[string]*services.MaterialDetail{}},
		chat: &stubChat{},
		prof: &stubProfile{},
		idem: &stubIdem{},
	}
	h := New(f.ing, f.lib, f.chat, f.prof, Options{MaxUploadBytes: maxUpload, Idempotency: f.idem})

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Auth(middleware.AuthOptions{DevHeader: true}))
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, f.idem.lookup))
	r.POST("/materials", h.UploadMaterial)
	r.GET("/materials", h.ListMaterials)
	r.GET("/materials/:id", h.GetMaterial)
	r.DELETE("/materials/:id", h.DeleteMaterial)
	r.POST("/materials/:id/regenerate", h.RegenerateMaterial)
	r.POST("/materials/:id/chat", h.Chat)
	r.GET("/materials/:id/messages", h.ListMessages)
	r.GET("/me", h.GetProfile)
	r.PATCH("/me", h.UpdateProfile)
	f.r = r
	return f
}

func (f *fixture) do(req *http.Request, user string) *httptest.ResponseRecorder {
	if user != "" {
		req.Header.Set(middleware.HeaderDevUserID, user)
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func multipartUpload(t *testing.T, field, filename, contentType string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(body)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/materials", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v (body=%s)", err, w.Body.String())
	}
	return v
}

// ---------- materials ----------

func TestUploadMaterial_CreatesAndReturnsDetail(t *testing.T) {
	f := newFixture(t, 1<<20)
	summary := "Cells are the unit of life."
	f.ing.ingest = func(o services.Owner, up *services.Upload) (*domain.Material, error) {
		m := &domain.Material{ID: matA, UserID: o.ID, Title: up.Filename, Type: domain.MaterialPDF, Summary: &summary}
		f.lib.details[matA] = &services.MaterialDetail{
			Material:   *m,
			Status:     services.StatusEnriched,
			Flashcards: []domain.Flashcard{{Front: "Cell", Back: "Unit"}},
			Questions:  []domain.Question{{Prompt: "What?"}},
		}
		return m, nil
	}

	w := f.do(multipartUpload(t, "file", "cells.pdf", "application/pdf", []byte("%PDF-1.4")), "u1")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", w.Code, w.Body.String())
	}
	if f.ing.gotUp.Filename != "cells.pdf" || f.ing.gotUp.ContentType != "application/pdf" || string(f.ing.gotBody) != "%PDF-1.4" {
		t.Fatalf("upload not forwarded: %+v body=%q", f.ing.gotUp, f.ing.gotBody)
	}
	resp := decode[MaterialDetailResponse](t, w)
	if resp.Material.ID != matA || resp.Status != services.StatusEnriched || len(resp.Flashcards) != 1 || len(resp.Questions) != 1 {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if len(f.idem.saved) != 0 {
		t.Fatalf("no key, nothing should be recorded")
	}
}

func TestUploadMaterial_PendingWhenDetailUnavailable(t *testing.T) {
	f := newFixture(t, 0)
	w := f.do(multipartUpload(t, "file", "photo.png", "image/png", []byte{0x89, 'P', 'N', 'G'}), "u1")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	resp := decode[MaterialDetailResponse](t, w)
	if resp.Material.Type != domain.MaterialImage || resp.Status != services.StatusPending {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if resp.Flashcards == nil || resp.Questions == nil {
		t.Fatalf("derived arrays must be present, got %s", w.Body.String())
	}
}

func TestUploadMaterial_Validation(t *testing.T) {
	f := newFixture(t, 8)

	// Wrong field name.
	if w := f.do(multipartUpload(t, "document", "a.pdf", "application/pdf", []byte("x")), "u1"); w.Code != http.StatusBadRequest {
		t.Fatalf("missing file: expected 400, got %d", w.Code)
	}
	// Too large for the configured cap.
	w := f.do(multipartUpload(t, "file", "a.pdf", "application/pdf", []byte("0123456789")), "u1")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("too large: expected 413, got %d", w.Code)
	}
	if er := decode[ErrorResponse](t, w); er.Code != ErrCodeTooLarge {
		t.Fatalf("code = %q", er.Code)
	}
	// No identity.
	if w := f.do(multipartUpload(t, "file", "a.pdf", "application/pdf", []byte("x")), ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", w.Code)
	}
	if f.ing.calls != 0 {
		t.Fatalf("service must not be called on rejected uploads")
	}
}

func TestUploadMaterial_ServiceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: bucket", services.ErrStorageFailure), http.StatusBadGateway, ErrCodeStorageFailed},
		{fmt.Errorf("%w: zero bytes", services.ErrInvalidInput), http.StatusBadRequest, ErrCodeBadRequest},
		{fmt.Errorf("%w: insert", services.ErrPersistence), http.StatusInternalServerError, ErrCodePersistenceFailed},
		{errors.New("boom"), http.StatusInternalServerError, ErrCodeUploadFailed},
	}
	for _, tc := range cases {
		f := newFixture(t, 0)
		f.ing.ingest = func(services.Owner, *services.Upload) (*domain.Material, error) { return nil, tc.err }
		req := multipartUpload(t, "file", "a.pdf", "application/pdf", []byte("x"))
		req.Header.Set(middleware.HeaderIdempotencyKey, "k1")
		w := f.do(req, "u1")
		if w.Code != tc.status {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.status)
		}
		if er := decode[ErrorResponse](t, w); er.Code != tc.code || er.RequestID == "" {
			t.Fatalf("%v: body=%+v", tc.err, er)
		}
		if len(f.idem.saved) != 0 {
			t.Fatalf("failed uploads must not be recorded for replay")
		}
	}
}

func TestUploadMaterial_IdempotentReplay(t *testing.T) {
	f := newFixture(t, 0)
	f.ing.ingest = func(o services.Owner, up *services.Upload) (*domain.Material, error) {
		m := &domain.Material{ID: matA, UserID: o.ID, Title: up.Filename, Type: domain.MaterialPDF}
		f.lib.details[matA] = &services.MaterialDetail{Material: *m, Status: services.StatusPending,
			Flashcards: []domain.Flashcard{}, Questions: []domain.Question{}}
		return m, nil
	}

	send := func(user string) *httptest.ResponseRecorder {
		req := multipartUpload(t, "file", "notes.pdf", "application/pdf", []byte("x"))
		req.Header.Set(middleware.HeaderIdempotencyKey, "upload-1")
		return f.do(req, user)
	}

	w1 := send("u1")
	if w1.Code != http.StatusCreated || w1.Header().Get(headerReplayed) != "" {
		t.Fatalf("first: code=%d replayed=%q", w1.Code, w1.Header().Get(headerReplayed))
	}
	if len(f.idem.saved) != 1 {
		t.Fatalf("expected one idempotency record, got %d", len(f.idem.saved))
	}
	rec := f.idem.saved[0]
	if rec.userID != "u1" || rec.scope != "POST /materials" || rec.key != "upload-1" || rec.resourceID != matA || rec.status != http.StatusCreated {
		t.Fatalf("record = %+v", rec)
	}

	w2 := send("u1")
	if w2.Code != http.StatusOK || w2.Header().Get(headerReplayed) != "true" {
		t.Fatalf("replay: code=%d replayed=%q", w2.Code, w2.Header().Get(headerReplayed))
	}
	if f.ing.calls != 1 {
		t.Fatalf("replay must not ingest again, calls=%d", f.ing.calls)
	}
	if resp := decode[MaterialDetailResponse](t, w2); resp.Material.ID != matA {
		t.Fatalf("replay body = %+v", resp)
	}

	// Keys are per user.
	if w3 := send("u2"); w3.Code != http.StatusCreated || f.ing.calls != 2 {
		t.Fatalf("other user: code=%d calls=%d", w3.Code, f.ing.calls)
	}

	// A replay whose material is gone is processed as a new upload.
	delete(f.lib.details, matA)
	f.ing.ingest = nil
	if w4 := send("u1"); w4.Code != http.StatusCreated || f.ing.calls != 3 {
		t.Fatalf("stale replay: code=%d calls=%d", w4.Code, f.ing.calls)
	}
}

func TestListMaterials_PaginationAndETag(t *testing.T) {
	f := newFixture(t, 0)
	ts := time.Unix(1700000000, 0)
	f.lib.count, f.lib.maxTS = 2, &ts
	f.lib.items = []services.LibraryItem{
		{Material: domain.Material{ID: matA, UserID: "u1", Title: "b.pdf"}, HasDeck: true, HasQuiz: true, Status: services.StatusEnriched},
		{Material: domain.Material{ID: matB, UserID: "u1", Title: "a.pdf"}, Status: services.StatusPending},
	}

	w := f.do(httptest.NewRequest(http.MethodGet, "/materials?page=1&page_size=1", nil), "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	etag := w.Header().Get("ETag")
	if etag != fmt.Sprintf(`W/"materials:u1:2:%d:1:1"`, ts.UnixMicro()) {
		t.Fatalf("etag = %q", etag)
	}
	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("json: %v", err)
	}
	first := raw["materials"].([]any)[0].(map[string]any)
	if first["id"] != matA || first["status"] != "enriched" || first["has_deck"] != true {
		t.Fatalf("flattened item = %v", first)
	}
	if _, leaked := first["StoragePath"]; leaked {
		t.Fatalf("storage path must not be serialized")
	}
	pg := raw["pagination"].(map[string]any)
	if pg["total"].(float64) != 2 || pg["has_next"] != true {
		t.Fatalf("pagination = %v", pg)
	}

	req := httptest.NewRequest(http.MethodGet, "/materials?page=1&page_size=1", nil)
	req.Header.Set("If-None-Match", etag)
	if w := f.do(req, "u1"); w.Code != http.StatusNotModified {
		t.Fatalf("conditional: expected 304, got %d", w.Code)
	}
	if f.lib.lists != 1 {
		t.Fatalf("304 must skip the list query, lists=%d", f.lib.lists)
	}

	f.lib.listErr = errors.New("db down")
	if w := f.do(httptest.NewRequest(http.MethodGet, "/materials", nil), "u1"); w.Code != http.StatusInternalServerError {
		t.Fatalf("list error: expected 500, got %d", w.Code)
	}
}

func TestGetAndDeleteMaterial(t *testing.T) {
	f := newFixture(t, 0)
	f.lib.details[matA] = &services.MaterialDetail{Material: domain.Material{ID: matA, UserID: "u1"}, Status: services.StatusPending,
		Flashcards: []domain.Flashcard{}, Questions: []domain.Question{}}

	if w := f.do(httptest.NewRequest(http.MethodGet, "/materials/"+matA, nil), "u1"); w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	if w := f.do(httptest.NewRequest(http.MethodGet, "/materials/"+matA, nil), "u2"); w.Code != http.StatusNotFound {
		t.Fatalf("foreign get: expected 404, got %d", w.Code)
	}
	if w := f.do(httptest.NewRequest(http.MethodGet, "/materials/not-a-uuid", nil), "u1"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", w.Code)
	}

	var deleted []string
	f.ing.del = func(o services.Owner, id string) error {
		if o.ID != "u1" {
			return services.ErrNotFound
		}
		deleted = append(deleted, id)
		return nil
	}
	if w := f.do(httptest.NewRequest(http.MethodDelete, "/materials/"+matA, nil), "u2"); w.Code != http.StatusNotFound {
		t.Fatalf("foreign delete: expected 404, got %d", w.Code)
	}
	if w := f.do(httptest.NewRequest(http.MethodDelete, "/materials/"+matA, nil), "u1"); w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	if len(deleted) != 1 || deleted[0] != matA {
		t.Fatalf("deleted = %v", deleted)
	}
}

func TestRegenerateMaterial(t *testing.T) {
	f := newFixture(t, 0)
	f.ing.regen = func(o services.Owner, id string) (*domain.Material, error) {
		f.lib.details[id] = &services.MaterialDetail{Material: domain.Material{ID: id, UserID: o.ID}, Status: services.StatusEnriched,
			Flashcards: []domain.Flashcard{{Front: "a"}}, Questions: []domain.Question{{Prompt: "q"}}}
		return &domain.Material{ID: id, UserID: o.ID}, nil
	}
	w := f.do(httptest.NewRequest(http.MethodPost, "/materials/"+matA+"/regenerate", nil), "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode[MaterialDetailResponse](t, w); resp.Status != services.StatusEnriched {
		t.Fatalf("status = %q", resp.Status)
	}

	f.ing.regen = func(services.Owner, string) (*domain.Material, error) {
		return nil, fmt.Errorf("%w: timeout", services.ErrExternalService)
	}
	w = f.do(httptest.NewRequest(http.MethodPost, "/materials/"+matA+"/regenerate", nil), "u1")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("ai failure: expected 502, got %d", w.Code)
	}
	if er := decode[ErrorResponse](t, w); er.Code != ErrCodeAIUnavailable {
		t.Fatalf("code = %q", er.Code)
	}
}

// ---------- chat ----------

func chatRequest(t *testing.T, id string, body any) *http.Request {
	t.Helper()
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/materials/"+id+"/chat", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestChat_RepliesThenRecords(t *testing.T) {
	f := newFixture(t, 0)
	var gotHistory []ai.Turn
	var gotMsg string
	f.chat.ask = func(ownerID, materialID, message string, history []ai.Turn) (*services.Exchange, error) {
		gotHistory, gotMsg = history, message
		return &services.Exchange{MaterialID: materialID, Message: message, Reply: "Mitochondria make ATP."}, nil
	}

	req := chatRequest(t, matA, ChatRequest{
		Message: "  What do\r\n\r\n\r\n\r\nmitochondria do?  ",
		History: []ChatTurn{{Role: "User", Content: "hi"}, {Role: "assistant", Content: "hello"}},
	})
	req.Header.Set(middleware.HeaderDevUserID, "u1")
	w := httptest.NewRecorder()
	f.chat.w = w
	f.r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	resp := decode[ChatResponse](t, w)
	if !resp.Success || resp.Response != "Mitochondria make ATP." {
		t.Fatalf("body = %+v", resp)
	}
	if gotMsg != "What do\n\nmitochondria do?" {
		t.Fatalf("message not sanitized: %q", gotMsg)
	}
	if len(gotHistory) != 2 || gotHistory[0].Role != "user" {
		t.Fatalf("history = %+v", gotHistory)
	}
	if len(f.chat.recorded) != 1 || f.chat.recorded[0].Reply != "Mitochondria make ATP." {
		t.Fatalf("recorded = %+v", f.chat.recorded)
	}
	if !f.chat.wroteFirst {
		t.Fatalf("reply must be flushed before the exchange is recorded")
	}
	if f.chat.recordErr != nil {
		t.Fatalf("record context must not be cancelled: %v", f.chat.recordErr)
	}
}

func TestChat_Errors(t *testing.T) {
	f := newFixture(t, 0)

	cases := []struct {
		name   string
		id     string
		body   any
		askErr error
		status int
		code   string
	}{
		{"bad id", "nope", ChatRequest{Message: "hi"}, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing message", matA, map[string]string{}, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"blank message", matA, ChatRequest{Message: " \n\n "}, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"too long", matA, ChatRequest{Message: strings.Repeat("a", maxMessageRunes+1)}, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"not found", matA, ChatRequest{Message: "hi"}, services.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"ai down", matA, ChatRequest{Message: "hi"}, fmt.Errorf("%w: 503", services.ErrExternalService), http.StatusBadGateway, ErrCodeAIUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.chat.recorded = nil
			f.chat.ask = func(_, materialID, message string, _ []ai.Turn) (*services.Exchange, error) {
				if tc.askErr != nil {
					return nil, tc.askErr
				}
				return &services.Exchange{MaterialID: materialID, Message: message, Reply: "r"}, nil
			}
			w := f.do(chatRequest(t, tc.id, tc.body), "u1")
			if w.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", w.Code, tc.status, w.Body.String())
			}
			if er := decode[ErrorResponse](t, w); er.Code != tc.code {
				t.Fatalf("code=%q want %q", er.Code, tc.code)
			}
			if len(f.chat.recorded) != 0 {
				t.Fatalf("nothing may be recorded on failure")
			}
		})
	}
}

func TestListMessages(t *testing.T) {
	f := newFixture(t, 0)

	// Empty transcript is an empty array, not null.
	w := f.do(httptest.NewRequest(http.MethodGet, "/materials/"+matA+"/messages", nil), "u1")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"messages":[]`) {
		t.Fatalf("empty: code=%d body=%s", w.Code, w.Body.String())
	}

	f.chat.transcript = []domain.ChatMessage{
		{ID: "m1", MaterialID: matA, Role: domain.RoleUser, Content: "q"},
		{ID: "m2", MaterialID: matA, Role: domain.RoleAssistant, Content: "a"},
	}
	w = f.do(httptest.NewRequest(http.MethodGet, "/materials/"+matA+"/messages", nil), "u1")
	resp := decode[ListMessagesResponse](t, w)
	if len(resp.Messages) != 2 || resp.Messages[0].Role != domain.RoleUser || resp.Pagination.Total != 2 {
		t.Fatalf("resp = %+v", resp)
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("expected ETag on transcript")
	}
	pages := f.chat.pages
	req := httptest.NewRequest(http.MethodGet, "/materials/"+matA+"/messages", nil)
	req.Header.Set("If-None-Match", etag)
	if w := f.do(req, "u1"); w.Code != http.StatusNotModified {
		t.Fatalf("conditional: expected 304, got %d", w.Code)
	}
	if f.chat.pages != pages {
		t.Fatalf("304 must skip the transcript query")
	}

	// A new exchange changes the validator.
	f.chat.transcript = append(f.chat.transcript,
		domain.ChatMessage{ID: "m3", MaterialID: matA, Role: domain.RoleUser, Content: "q2", CreatedAt: time.Unix(1700000000, 0)},
		domain.ChatMessage{ID: "m4", MaterialID: matA, Role: domain.RoleAssistant, Content: "a2", CreatedAt: time.Unix(1700000001, 0)},
	)
	req = httptest.NewRequest(http.MethodGet, "/materials/"+matA+"/messages", nil)
	req.Header.Set("If-None-Match", etag)
	if w := f.do(req, "u1"); w.Code != http.StatusOK || w.Header().Get("ETag") == etag {
		t.Fatalf("after append: code=%d etag=%q", w.Code, w.Header().Get("ETag"))
	}

	if w := f.do(httptest.NewRequest(http.MethodGet, "/materials/"+matB+"/messages", nil), "u1"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown material: expected 404, got %d", w.Code)
	}
}

// ---------- profile ----------

func TestProfile(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(httptest.NewRequest(http.MethodGet, "/me", nil), "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	if u := decode[domain.User](t, w); u.ID != "u1" || u.Name != domain.DefaultUserName {
		t.Fatalf("user = %+v", u)
	}

	patch := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPatch, "/me", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return f.do(req, "u1")
	}
	if w := patch(`{"name":"Ada"}`); w.Code != http.StatusOK || decode[domain.User](t, w).Name != "Ada" {
		t.Fatalf("patch: code=%d body=%s", w.Code, w.Body.String())
	}
	if w := patch(`{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing name: expected 400, got %d", w.Code)
	}
	if w := patch(`{"name":"   "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("blank name: expected 400, got %d", w.Code)
	}
}
