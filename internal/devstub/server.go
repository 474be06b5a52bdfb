// Package devstub runs a local stand-in for the knowledge base service so the
// client can be exercised without network access. Answers are canned, document
// ingestion advances on a timer, and queries containing " or " trigger a
// scripted clarification round-trip.
package devstub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/castoria/kbchat/internal/clarify"
	"github.com/castoria/kbchat/internal/kbapi"
)

const maxUploadSize = 10 << 20 // 10MB

// AdvanceInterval is how often pending documents move through the lifecycle.
const AdvanceInterval = 2 * time.Second

type Server struct {
	store *Store
	token string
}

func NewServer(store *Store, token string) *Server {
	return &Server{store: store, token: token}
}

// Handler returns the HTTP handler for all /api/v2 routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v2", func(r chi.Router) {
		r.Use(bearerAuth(s.token))

		r.Post("/query/agent", s.handleQuery)
		r.Post("/query/clarify", s.handleClarify)
		r.Post("/feedback", s.handleFeedback)

		r.Get("/knowledgebases", s.handleListKBs)
		r.Post("/knowledgebases", s.handleCreateKB)
		r.Patch("/knowledgebases/{id}", s.handleUpdateKB)
		r.Delete("/knowledgebases/{id}", s.handleDeleteKB)

		r.Get("/knowledgebases/{id}/documents", s.handleListDocuments)
		r.Post("/knowledgebases/{id}/documents/upload", s.handleUploadDocument)
		r.Delete("/knowledgebases/{id}/documents/{docID}", s.handleDeleteDocument)
	})
	return r
}

// Run serves the stub on addr and advances document statuses until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("devstub listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(AdvanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := s.store.AdvanceDocuments(); err != nil {
					log.Warn().Err(err).Msg("advancing documents")
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || auth[len(prefix):] != token {
				httpError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"detail": fmt.Sprintf(format, args...),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// --- Query ---

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req kbapi.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		httpError(w, http.StatusBadRequest, "query is required")
		return
	}

	// Ambiguous phrasing triggers the clarification sub-protocol.
	if resp, ok := scriptedClarification(req.Query); ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeJSON(w, http.StatusOK, cannedAnswer(req.Query))
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	var req kbapi.ClarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.ClarificationID == "" {
		httpError(w, http.StatusBadRequest, "clarification_id is required")
		return
	}

	answer := fmt.Sprintf("Refined answer for %q given %s.", req.OriginalQuery, describeAnswers(req.Answers))
	resp := cannedAnswer(req.OriginalQuery)
	resp.Answer = answer
	writeJSON(w, http.StatusOK, resp)
}

// scriptedClarification turns "a or b or c" style queries into a
// MULTIPLE_CHOICE clarification built from the alternatives.
func scriptedClarification(query string) (kbapi.QueryResponse, bool) {
	lower := strings.ToLower(query)
	if !strings.Contains(lower, " or ") {
		return kbapi.QueryResponse{}, false
	}

	parts := strings.Split(lower, " or ")
	options := make([]clarify.Option, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(strings.TrimSuffix(p, "?"))
		if p == "" {
			continue
		}
		options = append(options, clarify.Option{
			ID:   fmt.Sprintf("opt-%d", i+1),
			Text: p,
		})
	}

	return kbapi.QueryResponse{
		Answer: "Which of these did you mean?",
		Clarification: &clarify.Request{
			ID:            uuid.NewString(),
			Kind:          clarify.KindMultipleChoice,
			Prompt:        "Which of these did you mean?",
			Options:       options,
			MaxSelections: 1,
		},
	}, true
}

func cannedAnswer(query string) kbapi.QueryResponse {
	docSource, _ := json.Marshal(map[string]any{
		"type":            "document",
		"document_id":     "doc-stub-1",
		"document_name":   "handbook.pdf",
		"chunk_id":        "chunk-1",
		"page_number":     3,
		"content_preview": "Relevant excerpt from the handbook.",
		"score":           0.92,
	})
	webSource, _ := json.Marshal(map[string]any{
		"type":    "web",
		"url":     "https://example.com/reference",
		"title":   "Reference page",
		"snippet": "Supporting material from the web.",
	})
	return kbapi.QueryResponse{
		Answer:  fmt.Sprintf("Stub answer for %q.", query),
		Sources: []json.RawMessage{docSource, webSource},
	}
}

func describeAnswers(answers any) string {
	switch v := answers.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case []any:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprintf("%v", p)
		}
		return "selection [" + strings.Join(parts, ", ") + "]"
	default:
		return "the provided answer"
	}
}

// --- Feedback ---

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req kbapi.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.MessageID == "" || req.Rating == "" {
		httpError(w, http.StatusBadRequest, "message_id and rating are required")
		return
	}

	err := s.store.SaveFeedback(FeedbackRow{
		MessageID:   req.MessageID,
		QueryID:     req.QueryID,
		Rating:      req.Rating,
		Comment:     req.Text,
		SubmittedAt: time.Now(),
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "saving feedback: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// --- Knowledge bases ---

func (s *Server) handleListKBs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListKnowledgeBases()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "listing knowledge bases: %v", err)
		return
	}
	kbs := make([]kbapi.KnowledgeBase, 0, len(rows))
	for _, row := range rows {
		docs, err := s.store.ListDocuments(row.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "counting documents: %v", err)
			return
		}
		kbs = append(kbs, kbapi.KnowledgeBase{
			ID:            row.ID,
			Name:          row.Name,
			Description:   row.Description,
			CreatedAt:     row.CreatedAt,
			DocumentCount: len(docs),
		})
	}
	writeJSON(w, http.StatusOK, kbs)
}

func (s *Server) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httpError(w, http.StatusBadRequest, "name is required")
		return
	}

	row := KnowledgeBaseRow{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateKnowledgeBase(row); err != nil {
		httpError(w, http.StatusInternalServerError, "creating knowledge base: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, kbapi.KnowledgeBase{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		CreatedAt:   row.CreatedAt,
	})
}

func (s *Server) handleUpdateKB(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req kbapi.KnowledgeBaseUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	if err := s.store.UpdateKnowledgeBase(id, req.Name, req.Description); err != nil {
		if err == ErrNotFound {
			httpError(w, http.StatusNotFound, "knowledge base not found")
			return
		}
		httpError(w, http.StatusInternalServerError, "updating knowledge base: %v", err)
		return
	}

	row, err := s.store.GetKnowledgeBase(id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "reading knowledge base: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, kbapi.KnowledgeBase{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		CreatedAt:   row.CreatedAt,
	})
}

func (s *Server) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteKnowledgeBase(id); err != nil {
		if err == ErrNotFound {
			httpError(w, http.StatusNotFound, "knowledge base not found")
			return
		}
		httpError(w, http.StatusInternalServerError, "deleting knowledge base: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Documents ---

type documentResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	UploadedAt   string `json:"uploaded_at"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func toDocumentResponse(d DocumentRow) documentResponse {
	return documentResponse{
		ID:           d.ID,
		Name:         d.Name,
		Status:       d.Status,
		UploadedAt:   d.UploadedAt.UTC().Format(time.RFC3339),
		ErrorMessage: d.ErrorMessage,
	}
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetKnowledgeBase(id); err != nil {
		if err == ErrNotFound {
			httpError(w, http.StatusNotFound, "knowledge base not found")
			return
		}
		httpError(w, http.StatusInternalServerError, "reading knowledge base: %v", err)
		return
	}

	rows, err := s.store.ListDocuments(id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "listing documents: %v", err)
		return
	}
	docs := make([]documentResponse, 0, len(rows))
	for _, d := range rows {
		docs = append(docs, toDocumentResponse(d))
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetKnowledgeBase(id); err != nil {
		if err == ErrNotFound {
			httpError(w, http.StatusNotFound, "knowledge base not found")
			return
		}
		httpError(w, http.StatusInternalServerError, "reading knowledge base: %v", err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "reading upload: %v", err)
		return
	}
	defer file.Close()

	// Content is discarded; only the name drives the simulated lifecycle.
	if _, err := io.Copy(io.Discard, file); err != nil {
		httpError(w, http.StatusBadRequest, "reading upload: %v", err)
		return
	}

	doc := DocumentRow{
		ID:         uuid.NewString(),
		KBID:       id,
		Name:       header.Filename,
		Status:     "PENDING",
		UploadedAt: time.Now(),
	}
	if err := s.store.InsertDocument(doc); err != nil {
		httpError(w, http.StatusInternalServerError, "saving document: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentResponse(doc))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	docID := chi.URLParam(r, "docID")
	if err := s.store.DeleteDocument(id, docID); err != nil {
		if err == ErrNotFound {
			httpError(w, http.StatusNotFound, "document not found")
			return
		}
		httpError(w, http.StatusInternalServerError, "deleting document: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
