// Package clarify models a clarifying question from the answering service and
// the user's in-progress answer to it. It is a pure state machine: no network
// calls happen here. The encoded answer is handed to the session manager for
// the clarify round-trip.
package clarify

import "strings"

// Kind is the clarification question type as sent on the wire.
type Kind string

const (
	KindSingleQuestion Kind = "SINGLE_QUESTION"
	KindMultipleChoice Kind = "MULTIPLE_CHOICE"
	KindFreeText       Kind = "FREE_TEXT"
)

// Option is one selectable choice of a multiple-choice question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Request is one clarifying question. At most one Request is active per
// session at any time; the session manager owns that invariant.
type Request struct {
	ID            string   `json:"id"`
	Kind          Kind     `json:"type"`
	Prompt        string   `json:"question_text"`
	Options       []Option `json:"options,omitempty"`
	MaxSelections int      `json:"max_selections,omitempty"`
}

// EffectiveMaxSelections returns the selection limit, defaulting to 1 when
// the service omitted it.
func (r Request) EffectiveMaxSelections() int {
	if r.MaxSelections <= 0 {
		return 1
	}
	return r.MaxSelections
}

// Selection tracks the user's answer-in-progress for one Request.
type Selection struct {
	req      Request
	selected []string
	text     string
}

// NewSelection starts an empty selection for req.
func NewSelection(req Request) *Selection {
	return &Selection{req: req}
}

// Request returns the question this selection answers.
func (s *Selection) Request() Request {
	return s.req
}

// Toggle flips an option for multiple-choice questions. Selecting an already
// selected option deselects it. Under the limit a new option is added; at the
// limit it replaces the prior choice when only one selection is allowed and is
// ignored otherwise. Non-choice kinds ignore Toggle entirely.
func (s *Selection) Toggle(optionID string) {
	if s.req.Kind != KindMultipleChoice {
		return
	}

	for i, id := range s.selected {
		if id == optionID {
			s.selected = append(s.selected[:i], s.selected[i+1:]...)
			return
		}
	}

	max := s.req.EffectiveMaxSelections()
	switch {
	case len(s.selected) < max:
		s.selected = append(s.selected, optionID)
	case max == 1:
		s.selected = []string{optionID}
	}
	// At the limit with max > 1 the extra selection is dropped.
}

// SetText records the free-text answer for SINGLE_QUESTION and FREE_TEXT
// questions.
func (s *Selection) SetText(text string) {
	s.text = text
}

// Selected returns a copy of the chosen option ids in selection order.
func (s *Selection) Selected() []string {
	if len(s.selected) == 0 {
		return nil
	}
	out := make([]string, len(s.selected))
	copy(out, s.selected)
	return out
}

// CanSubmit reports whether the answer is complete enough to send: at least
// one option for multiple choice, non-blank text otherwise.
func (s *Selection) CanSubmit() bool {
	if s.req.Kind == KindMultipleChoice {
		return len(s.selected) > 0
	}
	return strings.TrimSpace(s.text) != ""
}

// EncodeAnswer produces the wire payload for the clarify call: the option id
// list for multiple choice, the raw text otherwise.
func (s *Selection) EncodeAnswer() any {
	if s.req.Kind == KindMultipleChoice {
		return s.Selected()
	}
	return s.text
}
