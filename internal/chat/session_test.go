package chat

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/castoria/kbchat/internal/clarify"
	"github.com/castoria/kbchat/internal/feedback"
	"github.com/castoria/kbchat/internal/source"
)

type mockQueryService struct {
	queryFn   func(ctx context.Context, req QueryRequest) (QueryResult, error)
	clarifyFn func(ctx context.Context, req ClarifyRequest) (QueryResult, error)

	queries    []QueryRequest
	clarifies  []ClarifyRequest
}

func (m *mockQueryService) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	m.queries = append(m.queries, req)
	if m.queryFn != nil {
		return m.queryFn(ctx, req)
	}
	return QueryResult{Answer: "ok"}, nil
}

func (m *mockQueryService) Clarify(ctx context.Context, req ClarifyRequest) (QueryResult, error) {
	m.clarifies = append(m.clarifies, req)
	if m.clarifyFn != nil {
		return m.clarifyFn(ctx, req)
	}
	return QueryResult{Answer: "clarified"}, nil
}

type nopSubmitter struct{}

func (nopSubmitter) SubmitFeedback(context.Context, feedback.Submission) error { return nil }

func newTestSession(svc QueryService) (*Session, *feedback.Tracker) {
	tracker := feedback.NewTracker(nopSubmitter{})
	return NewSession(svc, tracker), tracker
}

var ctx = context.Background()

func TestSubmitQuery_HappyPath(t *testing.T) {
	var pendingID string
	svc := &mockQueryService{}
	sess, tracker := newTestSession(svc)

	svc.queryFn = func(_ context.Context, req QueryRequest) (QueryResult, error) {
		// While the call is in flight the history must hold exactly one
		// pending placeholder paired with the user turn.
		turns := sess.Turns()
		if len(turns) != 2 {
			t.Fatalf("in-flight turns = %d, want 2", len(turns))
		}
		if !turns[1].Pending {
			t.Fatal("second turn is not a pending placeholder")
		}
		if turns[0].CorrelationID != req.CorrelationID || turns[1].CorrelationID != req.CorrelationID {
			t.Error("in-flight turns do not share the query correlation id")
		}
		if sess.State() != StateAwaitingAnswer {
			t.Errorf("in-flight state = %q, want %q", sess.State(), StateAwaitingAnswer)
		}
		pendingID = turns[1].ID
		return QueryResult{
			Answer: "The balance is 42.",
			Sources: []json.RawMessage{
				json.RawMessage(`{"type":"document","document_id":"d1","document_name":"ledger.pdf","chunk_id":"c1"}`),
				json.RawMessage(`{"type":"exotic_tool"}`),
			},
		}, nil
	}

	turn, err := sess.SubmitQuery(ctx, "What is the account balance?")
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}

	if turn.ID != pendingID {
		t.Errorf("final agent turn id = %q, want placeholder id %q", turn.ID, pendingID)
	}
	if turn.Pending {
		t.Error("final agent turn still marked pending")
	}
	if turn.Text != "The balance is 42." {
		t.Errorf("answer = %q", turn.Text)
	}
	if len(turn.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(turn.Sources))
	}
	if turn.Sources[0].Kind() != source.KindDocument {
		t.Errorf("sources[0].Kind = %q, want document", turn.Sources[0].Kind())
	}
	if unk, ok := turn.Sources[1].(source.Unknown); !ok || unk.RawType != "exotic_tool" {
		t.Errorf("sources[1] = %#v, want Unknown{exotic_tool}", turn.Sources[1])
	}
	if sess.State() != StateIdle {
		t.Errorf("state = %q, want idle", sess.State())
	}

	state, ok := tracker.State(turn.ID)
	if !ok {
		t.Fatal("agent turn was not registered with the feedback tracker")
	}
	if state.Submitted || state.Rating != feedback.RatingNone {
		t.Errorf("fresh feedback state = %+v, want none/unsubmitted", state)
	}
}

func TestSubmitQuery_EmptyTextRejected(t *testing.T) {
	svc := &mockQueryService{}
	sess, _ := newTestSession(svc)

	for _, text := range []string{"", "   ", "\t\n"} {
		if _, err := sess.SubmitQuery(ctx, text); !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("SubmitQuery(%q) = %v, want ErrEmptyQuery", text, err)
		}
	}
	if len(svc.queries) != 0 {
		t.Errorf("dispatched %d queries for blank input, want 0", len(svc.queries))
	}
	if len(sess.Turns()) != 0 {
		t.Errorf("turns = %d after rejected input, want 0", len(sess.Turns()))
	}
}

func TestSubmitQuery_ConcurrentQueryRejected(t *testing.T) {
	svc := &mockQueryService{}
	sess, _ := newTestSession(svc)

	svc.queryFn = func(context.Context, QueryRequest) (QueryResult, error) {
		if _, err := sess.SubmitQuery(ctx, "second"); !errors.Is(err, ErrBusy) {
			t.Errorf("overlapping SubmitQuery = %v, want ErrBusy", err)
		}
		return QueryResult{Answer: "first answer"}, nil
	}

	if _, err := sess.SubmitQuery(ctx, "first"); err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	if len(svc.queries) != 1 {
		t.Errorf("dispatched queries = %d, want 1", len(svc.queries))
	}
}

func TestSubmitQuery_ServiceErrorSurfacedInline(t *testing.T) {
	svc := &mockQueryService{
		queryFn: func(context.Context, QueryRequest) (QueryResult, error) {
			return QueryResult{}, errors.New("knowledge base temporarily unavailable")
		},
	}
	sess, tracker := newTestSession(svc)

	turn, err := sess.SubmitQuery(ctx, "anything")
	if err != nil {
		t.Fatalf("SubmitQuery must not propagate service failures, got %v", err)
	}
	if turn.Text != "knowledge base temporarily unavailable" {
		t.Errorf("error turn text = %q, want the detail verbatim", turn.Text)
	}
	if sess.State() != StateIdle {
		t.Errorf("state after failure = %q, want idle", sess.State())
	}

	turns := sess.Turns()
	if len(turns) != 2 || turns[1].ID != turn.ID {
		t.Error("error turn did not replace the placeholder in place")
	}
	if _, ok := tracker.State(turn.ID); !ok {
		t.Error("error turn was not registered for feedback")
	}
}

func clarificationResult() QueryResult {
	return QueryResult{
		Answer: "Please specify an account type.",
		Clarification: &clarify.Request{
			ID:            "c1",
			Kind:          clarify.KindMultipleChoice,
			Prompt:        "Please specify an account type.",
			MaxSelections: 1,
			Options: []clarify.Option{
				{ID: "o1", Text: "Checking"},
				{ID: "o2", Text: "Savings"},
			},
		},
	}
}

func TestClarificationRoundTrip(t *testing.T) {
	svc := &mockQueryService{
		queryFn: func(context.Context, QueryRequest) (QueryResult, error) {
			return clarificationResult(), nil
		},
	}
	sess, _ := newTestSession(svc)

	if _, err := sess.SubmitQuery(ctx, "What is the account balance?"); err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	if sess.State() != StateAwaitingClarification {
		t.Fatalf("state = %q, want awaiting clarification", sess.State())
	}
	req, ok := sess.ActiveClarification()
	if !ok || req.ID != "c1" {
		t.Fatalf("ActiveClarification = (%+v, %v), want c1", req, ok)
	}

	// A fresh query is rejected while the clarification is open.
	if _, err := sess.SubmitQuery(ctx, "another"); !errors.Is(err, ErrClarificationPending) {
		t.Errorf("SubmitQuery during clarification = %v, want ErrClarificationPending", err)
	}

	sel := clarify.NewSelection(req)
	sel.Toggle("o1")
	turn, err := sess.SubmitClarification(ctx, sel.EncodeAnswer())
	if err != nil {
		t.Fatalf("SubmitClarification: %v", err)
	}
	if turn.Text != "clarified" {
		t.Errorf("clarified answer = %q", turn.Text)
	}
	if sess.State() != StateIdle {
		t.Errorf("state = %q, want idle after resolution", sess.State())
	}

	if len(svc.clarifies) != 1 {
		t.Fatalf("clarify calls = %d, want 1", len(svc.clarifies))
	}
	sent := svc.clarifies[0]
	if sent.OriginalQuery != "What is the account balance?" {
		t.Errorf("OriginalQuery = %q", sent.OriginalQuery)
	}
	if sent.ClarificationID != "c1" {
		t.Errorf("ClarificationID = %q, want c1", sent.ClarificationID)
	}
	if !reflect.DeepEqual(sent.Answer, []string{"o1"}) {
		t.Errorf("Answer = %v, want [o1]", sent.Answer)
	}
	if sent.CorrelationID != svc.queries[0].CorrelationID {
		t.Error("clarify call does not reuse the original query correlation id")
	}

	// The synthetic user turn echoes the answer under the same correlation id.
	turns := sess.Turns()
	echo := turns[2]
	if echo.Sender != SenderUser || echo.Text != `(Clarification provided: ["o1"])` {
		t.Errorf("echo turn = %+v", echo)
	}
	if echo.CorrelationID != sent.CorrelationID {
		t.Error("echo turn correlation id mismatch")
	}
}

func TestClarification_ChainedRequestsStayPending(t *testing.T) {
	svc := &mockQueryService{
		queryFn: func(context.Context, QueryRequest) (QueryResult, error) {
			return clarificationResult(), nil
		},
		clarifyFn: func(context.Context, ClarifyRequest) (QueryResult, error) {
			return QueryResult{
				Answer: "Which year?",
				Clarification: &clarify.Request{
					ID:     "c2",
					Kind:   clarify.KindFreeText,
					Prompt: "Which year?",
				},
			}, nil
		},
	}
	sess, _ := newTestSession(svc)

	if _, err := sess.SubmitQuery(ctx, "balance"); err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	if _, err := sess.SubmitClarification(ctx, []string{"o2"}); err != nil {
		t.Fatalf("SubmitClarification: %v", err)
	}

	if sess.State() != StateAwaitingClarification {
		t.Fatalf("state = %q, want awaiting clarification after chained request", sess.State())
	}
	req, _ := sess.ActiveClarification()
	if req.ID != "c2" {
		t.Errorf("active clarification = %q, want c2", req.ID)
	}
}

func TestCancelClarification(t *testing.T) {
	svc := &mockQueryService{
		queryFn: func(context.Context, QueryRequest) (QueryResult, error) {
			return clarificationResult(), nil
		},
	}
	sess, _ := newTestSession(svc)

	if _, err := sess.SubmitQuery(ctx, "balance"); err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}

	turn, err := sess.CancelClarification()
	if err != nil {
		t.Fatalf("CancelClarification: %v", err)
	}
	if turn.Sender != SenderUser || turn.Text != "(Clarification cancelled by user)" {
		t.Errorf("cancel turn = %+v", turn)
	}
	if sess.State() != StateIdle {
		t.Errorf("state = %q, want idle", sess.State())
	}
	if _, ok := sess.ActiveClarification(); ok {
		t.Error("clarification still active after cancel")
	}
	if len(svc.clarifies) != 0 {
		t.Error("cancel must not make a network call")
	}

	// Cancel twice is invalid.
	if _, err := sess.CancelClarification(); !errors.Is(err, ErrNoClarification) {
		t.Errorf("second cancel = %v, want ErrNoClarification", err)
	}
}

func TestSubmitClarification_InvalidOutsideState(t *testing.T) {
	svc := &mockQueryService{}
	sess, _ := newTestSession(svc)

	if _, err := sess.SubmitClarification(ctx, "answer"); !errors.Is(err, ErrNoClarification) {
		t.Errorf("SubmitClarification while idle = %v, want ErrNoClarification", err)
	}
}

func TestClarifyFailure_ReturnsToIdle(t *testing.T) {
	svc := &mockQueryService{
		queryFn: func(context.Context, QueryRequest) (QueryResult, error) {
			return clarificationResult(), nil
		},
		clarifyFn: func(context.Context, ClarifyRequest) (QueryResult, error) {
			return QueryResult{}, errors.New("clarify endpoint exploded")
		},
	}
	sess, _ := newTestSession(svc)

	if _, err := sess.SubmitQuery(ctx, "balance"); err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	turn, err := sess.SubmitClarification(ctx, "free text")
	if err != nil {
		t.Fatalf("SubmitClarification must not propagate failures, got %v", err)
	}
	if turn.Text != "clarify endpoint exploded" {
		t.Errorf("error turn = %q", turn.Text)
	}
	if sess.State() != StateIdle {
		t.Errorf("state = %q, want idle", sess.State())
	}
	if _, ok := sess.ActiveClarification(); ok {
		t.Error("clarification still active after failed clarify call")
	}
}

func TestLastAgentTurn(t *testing.T) {
	svc := &mockQueryService{}
	sess, _ := newTestSession(svc)

	if _, ok := sess.LastAgentTurn(); ok {
		t.Error("LastAgentTurn on empty session should report none")
	}

	want, err := sess.SubmitQuery(ctx, "hello")
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	got, ok := sess.LastAgentTurn()
	if !ok || got.ID != want.ID {
		t.Errorf("LastAgentTurn = (%+v, %v), want %q", got, ok, want.ID)
	}
}
