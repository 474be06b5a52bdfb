// Package chat owns the conversation state of one session with the
// knowledge-base answering service: the ordered turn history, the in-flight
// query correlation, and the single active clarification request.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/castoria/kbchat/internal/clarify"
	"github.com/castoria/kbchat/internal/feedback"
	"github.com/castoria/kbchat/internal/source"
)

// Sender marks which side of the conversation produced a turn.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// State is the session's position in the query/clarify protocol.
type State string

const (
	StateIdle                  State = "idle"
	StateAwaitingAnswer        State = "awaiting_answer"
	StateAwaitingClarification State = "awaiting_clarification"
)

var (
	// ErrEmptyQuery rejects blank input before any network call.
	ErrEmptyQuery = errors.New("chat: query is empty")
	// ErrBusy rejects a new query while one is still in flight. Concurrent
	// in-flight queries are rejected rather than queued; see DESIGN.md.
	ErrBusy = errors.New("chat: a query is already in flight")
	// ErrClarificationPending rejects a new query while a clarification
	// must be answered or cancelled first.
	ErrClarificationPending = errors.New("chat: a clarification is pending")
	// ErrNoClarification rejects clarification calls outside the
	// awaiting-clarification state.
	ErrNoClarification = errors.New("chat: no clarification is pending")
)

// Turn is one message in the conversation history.
type Turn struct {
	ID            string
	CorrelationID string
	Text          string
	Sender        Sender
	Timestamp     time.Time
	Sources       []source.Source
	Clarification *clarify.Request
	// Pending marks the placeholder agent turn that is replaced in place
	// (same ID) once the service responds.
	Pending bool
}

// QueryRequest is a query dispatched to the answering service.
type QueryRequest struct {
	Query         string
	CorrelationID string
}

// ClarifyRequest answers an outstanding clarification.
type ClarifyRequest struct {
	OriginalQuery   string
	ClarificationID string
	Answer          any
	CorrelationID   string
}

// QueryResult is the answering service's reply to a query or clarify call.
// Sources stay raw here; the session normalizes them on arrival.
type QueryResult struct {
	Answer        string
	Sources       []json.RawMessage
	Clarification *clarify.Request
}

// QueryService is the external answering service.
type QueryService interface {
	Query(ctx context.Context, req QueryRequest) (QueryResult, error)
	Clarify(ctx context.Context, req ClarifyRequest) (QueryResult, error)
}

// Session owns one conversation. All mutation goes through its methods; the
// turn slice is never shared mutably with callers.
type Session struct {
	mu      sync.Mutex
	svc     QueryService
	tracker *feedback.Tracker

	state         State
	turns         []Turn
	active        *clarify.Request
	originalQuery string
	correlationID string
	pendingID     string
}

// NewSession creates an idle session. The tracker receives every agent turn
// so feedback state is ready the moment an answer lands.
func NewSession(svc QueryService, tracker *feedback.Tracker) *Session {
	return &Session{
		svc:     svc,
		tracker: tracker,
		state:   StateIdle,
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Turns returns a copy of the conversation history in order.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// LastAgentTurn returns the most recent non-pending agent turn.
func (s *Session) LastAgentTurn() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Sender == SenderAgent && !s.turns[i].Pending {
			return s.turns[i], true
		}
	}
	return Turn{}, false
}

// ActiveClarification returns the outstanding clarification request, if any.
func (s *Session) ActiveClarification() (clarify.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return clarify.Request{}, false
	}
	return *s.active, true
}

// SubmitQuery sends a new query. Blank input and overlapping queries are
// rejected before any dispatch. Service failures never escape: they are
// folded into a visible agent turn and the session returns to idle. The
// returned turn is the final agent turn (answer or surfaced error).
func (s *Session) SubmitQuery(ctx context.Context, text string) (Turn, error) {
	if strings.TrimSpace(text) == "" {
		return Turn{}, ErrEmptyQuery
	}

	s.mu.Lock()
	switch s.state {
	case StateAwaitingAnswer:
		s.mu.Unlock()
		return Turn{}, ErrBusy
	case StateAwaitingClarification:
		s.mu.Unlock()
		return Turn{}, ErrClarificationPending
	}

	corr := uuid.New().String()
	s.correlationID = corr
	s.appendTurnLocked(Turn{
		ID:            uuid.New().String(),
		CorrelationID: corr,
		Text:          text,
		Sender:        SenderUser,
		Timestamp:     time.Now(),
	})
	pendingID := s.appendPendingLocked(corr)
	s.state = StateAwaitingAnswer
	s.mu.Unlock()

	log.Debug().Str("correlation_id", corr).Msg("dispatching query")
	result, err := s.svc.Query(ctx, QueryRequest{Query: text, CorrelationID: corr})
	return s.applyResult(pendingID, corr, text, result, err), nil
}

// SubmitClarification answers the active clarification. The answer payload
// comes from clarify.Selection.EncodeAnswer: a []string of option ids or raw
// text. A synthetic user turn echoing the answer is appended under the same
// correlation id as the original query.
func (s *Session) SubmitClarification(ctx context.Context, answer any) (Turn, error) {
	s.mu.Lock()
	if s.state != StateAwaitingClarification || s.active == nil {
		s.mu.Unlock()
		return Turn{}, ErrNoClarification
	}

	corr := s.correlationID
	originalQuery := s.originalQuery
	clarificationID := s.active.ID
	s.active = nil
	s.appendTurnLocked(Turn{
		ID:            uuid.New().String(),
		CorrelationID: corr,
		Text:          fmt.Sprintf("(Clarification provided: %s)", answerText(answer)),
		Sender:        SenderUser,
		Timestamp:     time.Now(),
	})
	pendingID := s.appendPendingLocked(corr)
	s.state = StateAwaitingAnswer
	s.mu.Unlock()

	log.Debug().Str("correlation_id", corr).Str("clarification_id", clarificationID).Msg("dispatching clarification answer")
	result, err := s.svc.Clarify(ctx, ClarifyRequest{
		OriginalQuery:   originalQuery,
		ClarificationID: clarificationID,
		Answer:          answer,
		CorrelationID:   corr,
	})
	return s.applyResult(pendingID, corr, originalQuery, result, err), nil
}

// CancelClarification abandons the active clarification with no network
// call. A synthetic user turn records the cancellation. Any late reply to the
// abandoned clarification would no longer match an active request and is
// simply discarded by the caller.
func (s *Session) CancelClarification() (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingClarification || s.active == nil {
		return Turn{}, ErrNoClarification
	}

	turn := Turn{
		ID:            uuid.New().String(),
		CorrelationID: s.correlationID,
		Text:          "(Clarification cancelled by user)",
		Sender:        SenderUser,
		Timestamp:     time.Now(),
	}
	s.appendTurnLocked(turn)
	s.active = nil
	s.originalQuery = ""
	s.state = StateIdle
	return turn, nil
}

// applyResult replaces the pending placeholder (same id) with the final agent
// turn and settles the protocol state.
func (s *Session) applyResult(pendingID, corr, originalQuery string, result QueryResult, callErr error) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn := Turn{
		ID:            pendingID,
		CorrelationID: corr,
		Sender:        SenderAgent,
		Timestamp:     time.Now(),
	}

	if callErr != nil {
		// The service's human-readable detail is surfaced verbatim.
		turn.Text = callErr.Error()
		s.active = nil
		s.originalQuery = ""
		s.state = StateIdle
		log.Debug().Str("correlation_id", corr).Err(callErr).Msg("query failed, surfacing error turn")
	} else {
		turn.Text = result.Answer
		turn.Sources = source.NormalizeAll(result.Sources)
		turn.Clarification = result.Clarification
		if result.Clarification != nil {
			s.active = result.Clarification
			s.originalQuery = originalQuery
			s.state = StateAwaitingClarification
		} else {
			s.active = nil
			s.originalQuery = ""
			s.state = StateIdle
		}
	}

	s.replacePendingLocked(turn)
	if s.tracker != nil {
		s.tracker.Register(turn.ID, corr)
	}
	return turn
}

func (s *Session) appendTurnLocked(t Turn) {
	s.turns = append(s.turns, t)
}

// appendPendingLocked adds the placeholder agent turn for an in-flight query
// and records its id. Exactly one placeholder exists per in-flight query.
func (s *Session) appendPendingLocked(corr string) string {
	id := uuid.New().String()
	s.turns = append(s.turns, Turn{
		ID:            id,
		CorrelationID: corr,
		Sender:        SenderAgent,
		Timestamp:     time.Now(),
		Pending:       true,
	})
	s.pendingID = id
	return id
}

func (s *Session) replacePendingLocked(t Turn) {
	for i := range s.turns {
		if s.turns[i].ID == t.ID {
			s.turns[i] = t
			break
		}
	}
	if s.pendingID == t.ID {
		s.pendingID = ""
	}
}

func answerText(answer any) string {
	switch v := answer.(type) {
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
