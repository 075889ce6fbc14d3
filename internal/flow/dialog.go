package flow

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/FollowMyVote/assistant/internal/models"
)

// State is one step of the conversation. A nil Next keeps forward navigation
// disabled, a nil Prev keeps backward navigation disabled.
type State struct {
	ID models.StateID
	// Text is shown on entry. TextFunc, when set, is used instead.
	Text     string
	TextFunc func() string
	// OnEnter runs before the text is rendered.
	OnEnter func()
	Next    func()
	Prev    func()
	// Input is revealed once the text has finished rendering.
	Input Input
}

func (s *State) text() string {
	if s.TextFunc != nil {
		return s.TextFunc()
	}
	return s.Text
}

// Machine tracks the current dialog state and gates navigation on render
// completion.
type Machine struct {
	presenter Presenter
	states    map[models.StateID]*State
	current   *State

	renderSeq    uint64
	renderedText string

	nextEnabled bool
	nextVisible bool
	prevEnabled bool
	prevVisible bool
}

// NewMachine creates a machine with no states.
func NewMachine(p Presenter) *Machine {
	return &Machine{
		presenter: p,
		states:    make(map[models.StateID]*State),
	}
}

// Define registers states. Redefining an ID replaces it.
func (m *Machine) Define(states ...*State) {
	for _, s := range states {
		m.states[s.ID] = s
	}
}

// State returns the definition of id for callers that retarget inputs or
// texts before displaying it.
func (m *Machine) State(id models.StateID) (*State, bool) {
	s, ok := m.states[id]
	return s, ok
}

// IDs returns the defined state IDs in sorted order.
func (m *Machine) IDs() []models.StateID {
	return slices.Sorted(maps.Keys(m.states))
}

// Current returns the ID of the current state, or "" before the first display.
func (m *Machine) Current() models.StateID {
	if m.current == nil {
		return ""
	}
	return m.current.ID
}

// IsCurrent reports whether the current state is one of ids.
func (m *Machine) IsCurrent(ids ...models.StateID) bool {
	cur := m.Current()
	if cur == "" {
		return false
	}
	for _, id := range ids {
		if id == cur {
			return true
		}
	}
	return false
}

// CurrentInput returns the input of the current state, or nil.
func (m *Machine) CurrentInput() Input {
	if m.current == nil {
		return nil
	}
	return m.current.Input
}

// Display makes id the current state. Unknown IDs are logged and ignored.
func (m *Machine) Display(id models.StateID) bool {
	st, ok := m.states[id]
	if !ok {
		slog.Error("Machine Display: unknown state", "state", id)
		return false
	}

	if m.current != nil && m.current.Input != nil {
		m.presenter.HideInput(m.current.Input)
	}
	slog.Info("Machine Display", "state", id, "previous", m.Current())
	m.current = st

	if st.OnEnter != nil {
		st.OnEnter()
		if m.current != st {
			// OnEnter moved the conversation elsewhere.
			return true
		}
	}

	m.renderSeq++
	seq := m.renderSeq
	text := st.text()
	m.renderedText = text

	m.nextEnabled = st.Next != nil
	m.prevEnabled = st.Prev != nil
	m.nextVisible = false
	m.prevVisible = false
	m.syncNavigation()

	m.presenter.Render(text, func() { m.renderCompleted(seq, st, text) })
	return true
}

func (m *Machine) renderCompleted(seq uint64, st *State, text string) {
	if seq != m.renderSeq || m.current != st || text != m.renderedText {
		slog.Debug("Machine dropped stale render completion", "state", st.ID)
		return
	}
	m.nextVisible = m.nextEnabled
	m.prevVisible = m.prevEnabled
	m.syncNavigation()
	if st.Input != nil {
		m.presenter.ShowInput(st.Input)
	}
}

func (m *Machine) syncNavigation() {
	m.presenter.SetForwardEnabled(m.nextEnabled && m.nextVisible)
	m.presenter.SetBackwardEnabled(m.prevEnabled && m.prevVisible)
}

// CanProgress reports whether forward navigation is currently offered.
func (m *Machine) CanProgress() bool {
	return m.current != nil && m.current.Next != nil && m.nextEnabled && m.nextVisible
}

// CanRegress reports whether backward navigation is currently offered.
func (m *Machine) CanRegress() bool {
	return m.current != nil && m.current.Prev != nil && m.prevEnabled && m.prevVisible
}

// Progress completes an in-flight render, or else runs the current state's
// Next transition if forward navigation is offered.
func (m *Machine) Progress() {
	if m.presenter.IsRendering() {
		m.presenter.CompleteRender()
		return
	}
	if !m.CanProgress() {
		return
	}
	m.current.Next()
}

// Regress runs the current state's Prev transition if backward navigation
// is offered.
func (m *Machine) Regress() {
	if !m.CanRegress() {
		return
	}
	m.current.Prev()
}
