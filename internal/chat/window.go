package chat

import (
	"github.com/averin/converso/internal/domain"
)

// Window is the bounded recent-history slice supplied to the model on each
// call, distinct from the full durable history. Capacity is counted in turn
// pairs: at most 2*maxPairs entries are retained, oldest evicted first.
type Window struct {
	turns    []domain.ContextTurn
	maxPairs int
}

// NewWindow creates an empty window holding at most maxPairs user/model
// turn pairs.
func NewWindow(maxPairs int) *Window {
	return &Window{maxPairs: maxPairs}
}

// Reset empties the window.
func (w *Window) Reset() {
	w.turns = nil
}

// Append adds one turn, evicting from the front if the bound is exceeded.
func (w *Window) Append(turn domain.ContextTurn) {
	w.turns = append(w.turns, turn)
	w.trim()
}

// LoadFrom replaces the window contents with the persisted messages in their
// original order, mapping sender roles onto turn roles. Only the most recent
// entries within the bound are kept; older history stays durable but is not
// replayed to the model.
func (w *Window) LoadFrom(messages []domain.Message) {
	w.turns = make([]domain.ContextTurn, 0, len(messages))
	for _, msg := range messages {
		w.turns = append(w.turns, domain.ContextTurn{
			Role: turnRole(msg.Sender),
			Text: msg.Content,
		})
	}
	w.trim()
}

// History returns a copy of the current turns, oldest first.
func (w *Window) History() []domain.ContextTurn {
	history := make([]domain.ContextTurn, len(w.turns))
	copy(history, w.turns)
	return history
}

// Len returns the number of turns currently held.
func (w *Window) Len() int {
	return len(w.turns)
}

func (w *Window) trim() {
	limit := 2 * w.maxPairs
	if len(w.turns) <= limit {
		return
	}
	// Copy instead of re-slicing so evicted turns do not pin the backing array.
	kept := make([]domain.ContextTurn, limit)
	copy(kept, w.turns[len(w.turns)-limit:])
	w.turns = kept
}

func turnRole(sender domain.Role) domain.TurnRole {
	if sender == domain.RoleUser {
		return domain.TurnUser
	}
	return domain.TurnModel
}
