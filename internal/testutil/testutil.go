// Package testutil provides fakes shared by the assistant's package tests.
package testutil

import (
	"sync"
	"time"

	"github.com/FollowMyVote/assistant/internal/flow"
	"github.com/FollowMyVote/assistant/internal/models"
	"github.com/FollowMyVote/assistant/internal/transport"
)

// DirectPost runs fn immediately. It stands in for an event loop in tests
// that drive everything from the test goroutine.
func DirectPost(fn func()) {
	fn()
}

// FakeInput is an in-memory text field.
type FakeInput struct {
	mu          sync.Mutex
	name        string
	Placeholder string
	value       string
}

func NewFakeInput(name string) *FakeInput {
	return &FakeInput{name: name}
}

func (i *FakeInput) Name() string { return i.name }

func (i *FakeInput) Value() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value
}

// Set simulates the user typing v.
func (i *FakeInput) Set(v string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.value = v
}

// FakePresenter records what the dialog asks it to show. With AutoComplete
// every render completes synchronously; otherwise the test calls FinishRender.
type FakePresenter struct {
	AutoComplete bool
	Renders      []string
	Callbacks    []func()
	Forward      bool
	Backward     bool
	Visible      flow.Input
	Faults       int
	Inputs       map[string]*FakeInput
	InputErr     error

	rendering bool
}

func NewFakePresenter(autoComplete bool) *FakePresenter {
	return &FakePresenter{
		AutoComplete: autoComplete,
		Inputs:       make(map[string]*FakeInput),
	}
}

func (p *FakePresenter) Render(text string, onComplete func()) {
	p.Renders = append(p.Renders, text)
	p.Callbacks = append(p.Callbacks, onComplete)
	if p.AutoComplete {
		onComplete()
		return
	}
	p.rendering = true
}

// FinishRender completes the most recent render.
func (p *FakePresenter) FinishRender() {
	if !p.rendering || len(p.Callbacks) == 0 {
		return
	}
	p.rendering = false
	p.Callbacks[len(p.Callbacks)-1]()
}

func (p *FakePresenter) IsRendering() bool { return p.rendering }

func (p *FakePresenter) CompleteRender() { p.FinishRender() }

func (p *FakePresenter) SetForwardEnabled(enabled bool) { p.Forward = enabled }

func (p *FakePresenter) SetBackwardEnabled(enabled bool) { p.Backward = enabled }

func (p *FakePresenter) ShowInput(in flow.Input) { p.Visible = in }

func (p *FakePresenter) HideInput(in flow.Input) {
	if p.Visible == in {
		p.Visible = nil
	}
}

func (p *FakePresenter) NewInput(name, placeholder string) (flow.Input, error) {
	if p.InputErr != nil {
		return nil, p.InputErr
	}
	in := NewFakeInput(name)
	in.Placeholder = placeholder
	p.Inputs[name] = in
	return in, nil
}

func (p *FakePresenter) Fault() { p.Faults++ }

// LastRender returns the most recently rendered text.
func (p *FakePresenter) LastRender() string {
	if len(p.Renders) == 0 {
		return ""
	}
	return p.Renders[len(p.Renders)-1]
}

// ConnectCall records one FakeSession.Connect.
type ConnectCall struct {
	Endpoint  string
	Pinned    string
	Ephemeral string
}

// FakeSession is a transport.Session driven by the test through Handler.
type FakeSession struct {
	Handler    transport.Handler
	Connects   []ConnectCall
	Sent       []string
	Closes     int
	ConnectErr error
}

var _ transport.Session = (*FakeSession)(nil)

func (s *FakeSession) SetHandler(h transport.Handler) { s.Handler = h }

func (s *FakeSession) Connect(endpoint, pinned, ephemeral string) error {
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.Connects = append(s.Connects, ConnectCall{Endpoint: endpoint, Pinned: pinned, Ephemeral: ephemeral})
	return nil
}

func (s *FakeSession) Send(text string) error {
	s.Sent = append(s.Sent, text)
	return nil
}

func (s *FakeSession) Close() error {
	s.Closes++
	return nil
}

// LastConnect returns the most recent Connect call.
func (s *FakeSession) LastConnect() ConnectCall {
	if len(s.Connects) == 0 {
		return ConnectCall{}
	}
	return s.Connects[len(s.Connects)-1]
}

// FakeNode stands in for the blockchain node client.
type FakeNode struct {
	URL         string
	URLHistory  []string
	Disconnects int
	Status      models.SyncStatus
	RTT         time.Duration
}

func (n *FakeNode) SetNodeURL(url string) {
	if url == n.URL {
		return
	}
	n.URL = url
	n.URLHistory = append(n.URLHistory, url)
}

func (n *FakeNode) Disconnect() { n.Disconnects++ }

func (n *FakeNode) SyncStatus() models.SyncStatus { return n.Status }

func (n *FakeNode) Latency() time.Duration { return n.RTT }

func (n *FakeNode) NodeURL() string { return n.URL }
