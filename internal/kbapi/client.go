// Package kbapi is the HTTP client for the remote knowledge-base service:
// agent queries, clarifications, feedback, and the knowledge-base/document
// CRUD surface.
package kbapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const apiPrefix = "/api/v2"

// Client talks to one knowledge-base service instance.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client for baseURL authenticating with a bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge-base service not reachable (%w)", err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) patch(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPatch, path, body)
}

func (c *Client) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// decodeJSON drains resp into v, converting error statuses into *APIError
// carrying the service's detail string.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		return &APIError{StatusCode: resp.StatusCode, Detail: payload.Detail}
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
}

// QueryAgent asks the answering service a question.
func (c *Client) QueryAgent(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	resp, err := c.post(ctx, "/query/agent", req)
	if err != nil {
		return QueryResponse{}, err
	}
	var out QueryResponse
	if err := decodeJSON(resp, &out); err != nil {
		return QueryResponse{}, err
	}
	return out, nil
}

// SubmitClarification answers an outstanding clarification request.
func (c *Client) SubmitClarification(ctx context.Context, req ClarifyRequest) (QueryResponse, error) {
	resp, err := c.post(ctx, "/query/clarify", req)
	if err != nil {
		return QueryResponse{}, err
	}
	var out QueryResponse
	if err := decodeJSON(resp, &out); err != nil {
		return QueryResponse{}, err
	}
	return out, nil
}

// SubmitFeedback records a rating for one answer. Success is any non-error
// response.
func (c *Client) SubmitFeedback(ctx context.Context, req FeedbackRequest) error {
	resp, err := c.post(ctx, "/feedback", req)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// ListKnowledgeBases returns all document collections.
func (c *Client) ListKnowledgeBases(ctx context.Context) ([]KnowledgeBase, error) {
	resp, err := c.get(ctx, "/knowledgebases")
	if err != nil {
		return nil, err
	}
	var out []KnowledgeBase
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateKnowledgeBase creates a new collection.
func (c *Client) CreateKnowledgeBase(ctx context.Context, name, description string) (KnowledgeBase, error) {
	resp, err := c.post(ctx, "/knowledgebases", map[string]string{
		"name":        name,
		"description": description,
	})
	if err != nil {
		return KnowledgeBase{}, err
	}
	var out KnowledgeBase
	if err := decodeJSON(resp, &out); err != nil {
		return KnowledgeBase{}, err
	}
	return out, nil
}

// UpdateKnowledgeBase renames or re-describes a collection.
func (c *Client) UpdateKnowledgeBase(ctx context.Context, id string, update KnowledgeBaseUpdate) (KnowledgeBase, error) {
	resp, err := c.patch(ctx, "/knowledgebases/"+id, update)
	if err != nil {
		return KnowledgeBase{}, err
	}
	var out KnowledgeBase
	if err := decodeJSON(resp, &out); err != nil {
		return KnowledgeBase{}, err
	}
	return out, nil
}

// DeleteKnowledgeBase removes a collection.
func (c *Client) DeleteKnowledgeBase(ctx context.Context, id string) error {
	resp, err := c.delete(ctx, "/knowledgebases/"+id)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}
