package kbapi

import (
	"context"
	"time"

	"github.com/castoria/kbchat/internal/chat"
	"github.com/castoria/kbchat/internal/feedback"
	"github.com/castoria/kbchat/internal/poller"
)

// AgentService adapts Client to chat.QueryService.
type AgentService struct {
	Client *Client
}

func (s AgentService) Query(ctx context.Context, req chat.QueryRequest) (chat.QueryResult, error) {
	resp, err := s.Client.QueryAgent(ctx, QueryRequest{
		Query:   req.Query,
		QueryID: req.CorrelationID,
	})
	if err != nil {
		return chat.QueryResult{}, err
	}
	return chat.QueryResult{
		Answer:        resp.Answer,
		Sources:       resp.Sources,
		Clarification: resp.Clarification,
	}, nil
}

func (s AgentService) Clarify(ctx context.Context, req chat.ClarifyRequest) (chat.QueryResult, error) {
	resp, err := s.Client.SubmitClarification(ctx, ClarifyRequest{
		OriginalQuery:   req.OriginalQuery,
		ClarificationID: req.ClarificationID,
		Answers:         req.Answer,
		QueryID:         req.CorrelationID,
	})
	if err != nil {
		return chat.QueryResult{}, err
	}
	return chat.QueryResult{
		Answer:        resp.Answer,
		Sources:       resp.Sources,
		Clarification: resp.Clarification,
	}, nil
}

// FeedbackService adapts Client to feedback.Submitter.
type FeedbackService struct {
	Client *Client
}

func (s FeedbackService) SubmitFeedback(ctx context.Context, sub feedback.Submission) error {
	return s.Client.SubmitFeedback(ctx, FeedbackRequest{
		MessageID: sub.TurnID,
		QueryID:   sub.CorrelationID,
		Rating:    string(sub.Rating),
		Text:      sub.Comment,
		Timestamp: sub.Timestamp.Format(time.RFC3339),
	})
}

// DocumentLister adapts Client to poller.Lister for one knowledge base.
type DocumentLister struct {
	Client          *Client
	KnowledgeBaseID string
}

func (l DocumentLister) ListDocuments(ctx context.Context) ([]poller.Resource, error) {
	return l.Client.ListDocuments(ctx, l.KnowledgeBaseID)
}
