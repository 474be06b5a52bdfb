package kbapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/castoria/kbchat/internal/poller"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"detail":"not found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *Client {
	c := New(ts.server.URL, "test-token")
	c.httpClient = ts.server.Client()
	return c
}

var ctx = context.Background()

func TestQueryAgent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/v2/query/agent": `{
			"answer": "42",
			"sources": [{"type":"web","url":"https://example.com"}],
			"clarification_data": null
		}`,
	})

	resp, err := ts.client().QueryAgent(ctx, QueryRequest{Query: "what?", QueryID: "q-1"})
	if err != nil {
		t.Fatalf("QueryAgent: %v", err)
	}
	if resp.Answer != "42" {
		t.Errorf("Answer = %q, want 42", resp.Answer)
	}
	if len(resp.Sources) != 1 {
		t.Errorf("Sources = %d, want 1", len(resp.Sources))
	}
	if resp.Clarification != nil {
		t.Errorf("Clarification = %+v, want nil", resp.Clarification)
	}

	req := ts.requests[0]
	if req.Auth != "Bearer test-token" {
		t.Errorf("Authorization = %q", req.Auth)
	}
	var sent QueryRequest
	if err := json.Unmarshal([]byte(req.Body), &sent); err != nil {
		t.Fatalf("unmarshalling sent body: %v", err)
	}
	if sent.Query != "what?" || sent.QueryID != "q-1" {
		t.Errorf("sent body = %+v", sent)
	}
}

func TestQueryAgent_ClarificationDecodesWireKinds(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/v2/query/agent": `{
			"answer": "Please specify an account type.",
			"clarification_data": {
				"id": "c1",
				"type": "MULTIPLE_CHOICE",
				"question_text": "Please specify an account type.",
				"max_selections": 1,
				"options": [{"id":"o1","text":"Checking"},{"id":"o2","text":"Savings"}]
			}
		}`,
	})

	resp, err := ts.client().QueryAgent(ctx, QueryRequest{Query: "balance", QueryID: "q-1"})
	if err != nil {
		t.Fatalf("QueryAgent: %v", err)
	}
	c := resp.Clarification
	if c == nil {
		t.Fatal("Clarification = nil")
	}
	if string(c.Kind) != "MULTIPLE_CHOICE" || c.ID != "c1" || len(c.Options) != 2 {
		t.Errorf("clarification = %+v", c)
	}
}

func TestAPIError_DetailSurfacedVerbatim(t *testing.T) {
	ts := newTestServer(t, nil) // every route 404s with a detail string

	_, err := ts.client().QueryAgent(ctx, QueryRequest{Query: "x", QueryID: "q"})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != 404 || apiErr.Detail != "not found" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if err.Error() != "not found" {
		t.Errorf("Error() = %q, want the detail verbatim", err.Error())
	}
}

func TestSubmitFeedback(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/v2/feedback": `{}`,
	})

	err := ts.client().SubmitFeedback(ctx, FeedbackRequest{
		MessageID: "m-1",
		QueryID:   "q-1",
		Rating:    "like",
		Timestamp: "2026-08-29T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if !strings.Contains(ts.requests[0].Body, `"rating":"like"`) {
		t.Errorf("sent body = %s", ts.requests[0].Body)
	}
}

func TestKnowledgeBaseCRUD(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/v2/knowledgebases":        `[{"id":"kb-1","name":"Reports"}]`,
		"POST /api/v2/knowledgebases":       `{"id":"kb-2","name":"New"}`,
		"PATCH /api/v2/knowledgebases/kb-1": `{"id":"kb-1","name":"Renamed"}`,
		"DELETE /api/v2/knowledgebases/kb-1": `{}`,
	})
	c := ts.client()

	kbs, err := c.ListKnowledgeBases(ctx)
	if err != nil || len(kbs) != 1 || kbs[0].ID != "kb-1" {
		t.Fatalf("ListKnowledgeBases = (%+v, %v)", kbs, err)
	}

	created, err := c.CreateKnowledgeBase(ctx, "New", "desc")
	if err != nil || created.ID != "kb-2" {
		t.Fatalf("CreateKnowledgeBase = (%+v, %v)", created, err)
	}

	name := "Renamed"
	updated, err := c.UpdateKnowledgeBase(ctx, "kb-1", KnowledgeBaseUpdate{Name: &name})
	if err != nil || updated.Name != "Renamed" {
		t.Fatalf("UpdateKnowledgeBase = (%+v, %v)", updated, err)
	}
	if !strings.Contains(ts.requests[2].Body, `"name":"Renamed"`) {
		t.Errorf("patch body = %s", ts.requests[2].Body)
	}
	if strings.Contains(ts.requests[2].Body, "description") {
		t.Errorf("patch body includes unset field: %s", ts.requests[2].Body)
	}

	if err := c.DeleteKnowledgeBase(ctx, "kb-1"); err != nil {
		t.Fatalf("DeleteKnowledgeBase: %v", err)
	}
}

func TestListDocuments(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/v2/knowledgebases/kb-1/documents": `[
			{"id":"d1","name":"a.pdf","status":"PROCESSING"},
			{"id":"d2","name":"b.pdf","status":"FAILED","error_message":"parse error"}
		]`,
	})

	docs, err := ts.client().ListDocuments(ctx, "kb-1")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("documents = %d, want 2", len(docs))
	}
	if docs[0].Status != poller.StatusProcessing {
		t.Errorf("docs[0].Status = %q", docs[0].Status)
	}
	if docs[1].ErrorDetail != "parse error" {
		t.Errorf("docs[1].ErrorDetail = %q", docs[1].ErrorDetail)
	}
}

func TestUploadDocument_Multipart(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/v2/knowledgebases/kb-1/documents/upload": `{"id":"d1","name":"notes.txt","status":"PENDING"}`,
	})

	doc, err := ts.client().UploadDocument(ctx, "kb-1", "notes.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("UploadDocument: %v", err)
	}
	if doc.ID != "d1" || doc.Status != poller.StatusPending {
		t.Errorf("doc = %+v", doc)
	}

	req := ts.requests[0]
	if !strings.HasPrefix(req.ContentType, "multipart/form-data") {
		t.Errorf("Content-Type = %q, want multipart", req.ContentType)
	}
	if !strings.Contains(req.Body, `filename="notes.txt"`) || !strings.Contains(req.Body, "hello") {
		t.Error("multipart body missing file part")
	}
}
