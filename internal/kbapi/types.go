package kbapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/castoria/kbchat/internal/clarify"
)

// QueryRequest is the body of POST /api/v2/query/agent.
type QueryRequest struct {
	Query   string `json:"query"`
	QueryID string `json:"query_id"`
}

// ClarifyRequest is the body of POST /api/v2/query/clarify. Answers carries
// either a []string of option ids or a free-text string.
type ClarifyRequest struct {
	OriginalQuery   string `json:"original_query"`
	ClarificationID string `json:"clarification_id"`
	Answers         any    `json:"answers"`
	QueryID         string `json:"query_id"`
}

// QueryResponse is the answering service's reply to both query and clarify
// calls. Sources stay raw: classification happens in the source package.
type QueryResponse struct {
	Answer        string            `json:"answer"`
	Sources       []json.RawMessage `json:"sources"`
	Clarification *clarify.Request  `json:"clarification_data"`
}

// FeedbackRequest is the body of POST /api/v2/feedback.
type FeedbackRequest struct {
	MessageID string `json:"message_id"`
	QueryID   string `json:"query_id"`
	Rating    string `json:"rating"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp"`
}

// KnowledgeBase is one document collection.
type KnowledgeBase struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	DocumentCount int       `json:"document_count,omitempty"`
}

// KnowledgeBaseUpdate carries the mutable collection metadata for PATCH.
// Nil fields are left unchanged.
type KnowledgeBaseUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// APIError is an error response from the service. Error returns the
// human-readable detail verbatim so it can be surfaced inline.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}
