// Package feedback tracks per-turn answer ratings and enforces at-most-once
// submission to the feedback service. Submission is optimistic: the state
// flips to submitted before the network call and rolls back if the call
// fails, so a later retry can still go through.
package feedback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Rating is the user's verdict on one agent turn.
type Rating string

const (
	RatingNone    Rating = ""
	RatingLike    Rating = "like"
	RatingDislike Rating = "dislike"
)

// ErrUnknownTurn is returned when rating a turn the tracker never registered.
var ErrUnknownTurn = errors.New("feedback: unknown turn")

// State is the externally visible rating state of one turn.
type State struct {
	Rating    Rating
	Comment   string
	Submitted bool
	// AwaitingComment is set between the first and second dislike request,
	// while the comment affordance is open.
	AwaitingComment bool
}

// Submission is one feedback record sent to the service.
type Submission struct {
	TurnID        string
	CorrelationID string
	Rating        Rating
	Comment       string
	Timestamp     time.Time
}

// Submitter sends a feedback record to the remote service.
type Submitter interface {
	SubmitFeedback(ctx context.Context, sub Submission) error
}

type entry struct {
	correlationID string
	state         State
}

// Tracker owns the rating state of every registered turn.
type Tracker struct {
	mu        sync.Mutex
	submitter Submitter
	entries   map[string]*entry
}

// NewTracker creates a Tracker submitting through sub.
func NewTracker(sub Submitter) *Tracker {
	return &Tracker{
		submitter: sub,
		entries:   make(map[string]*entry),
	}
}

// Register starts tracking a turn with no rating. Registering an already
// known turn is a no-op so replayed responses cannot reset submitted state.
func (t *Tracker) Register(turnID, correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[turnID]; ok {
		return
	}
	t.entries[turnID] = &entry{correlationID: correlationID}
}

// State returns the rating state of a turn.
func (t *Tracker) State(turnID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[turnID]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// Like submits a positive rating for the turn. Once a rating has been
// submitted the call is a no-op; on submission failure the state rolls back
// so the user can retry. The returned error is informational only — callers
// keep failures silent.
func (t *Tracker) Like(ctx context.Context, turnID string) error {
	return t.submit(ctx, turnID, RatingLike, "")
}

// RequestDislike drives the two-phase dislike flow. The first call opens the
// comment affordance without submitting and reports awaiting=true; the second
// call submits the dislike together with comment.
func (t *Tracker) RequestDislike(ctx context.Context, turnID, comment string) (awaiting bool, err error) {
	t.mu.Lock()
	e, ok := t.entries[turnID]
	if !ok {
		t.mu.Unlock()
		return false, ErrUnknownTurn
	}
	if e.state.Submitted {
		t.mu.Unlock()
		return false, nil
	}
	if !e.state.AwaitingComment {
		e.state.AwaitingComment = true
		t.mu.Unlock()
		return true, nil
	}
	t.mu.Unlock()

	return false, t.submit(ctx, turnID, RatingDislike, comment)
}

func (t *Tracker) submit(ctx context.Context, turnID string, rating Rating, comment string) error {
	t.mu.Lock()
	e, ok := t.entries[turnID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownTurn
	}
	if e.state.Submitted {
		t.mu.Unlock()
		return nil
	}

	// Optimistic flip: nothing can double-submit while the call is in flight.
	e.state.Rating = rating
	e.state.Comment = comment
	e.state.Submitted = true
	e.state.AwaitingComment = false
	sub := Submission{
		TurnID:        turnID,
		CorrelationID: e.correlationID,
		Rating:        rating,
		Comment:       comment,
		Timestamp:     time.Now().UTC(),
	}
	t.mu.Unlock()

	if err := t.submitter.SubmitFeedback(ctx, sub); err != nil {
		t.mu.Lock()
		e.state.Submitted = false
		t.mu.Unlock()
		log.Debug().Err(err).Str("turn_id", turnID).Msg("feedback submission failed, rolled back")
		return err
	}
	return nil
}
