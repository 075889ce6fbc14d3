// Package console is a line-based terminal presenter for the assistant.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/FollowMyVote/assistant/internal/flow"
)

// BackCommand is the line a user types to go back.
const BackCommand = "<"

// Input is a text field filled from a console line.
type Input struct {
	name        string
	placeholder string

	mu    sync.Mutex
	value string
}

func (i *Input) Name() string { return i.name }

func (i *Input) Value() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value
}

func (i *Input) set(v string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.value = v
}

// Presenter writes dialog text to out. It must only be used on the event
// loop; render completion is delivered through post.
type Presenter struct {
	out  io.Writer
	post func(func())

	seq        uint64
	rendering  bool
	onComplete func()

	forward  bool
	backward bool
	active   *Input
	faulted  bool
}

var _ flow.Presenter = (*Presenter)(nil)

// NewPresenter creates a presenter writing to out.
func NewPresenter(out io.Writer, post func(func())) *Presenter {
	return &Presenter{out: out, post: post}
}

// Render prints text and completes on the next loop turn.
func (p *Presenter) Render(text string, onComplete func()) {
	p.seq++
	seq := p.seq
	p.rendering = true
	p.onComplete = onComplete
	p.printf("\n%s\n", text)
	p.post(func() {
		if seq == p.seq {
			p.finish()
		}
	})
}

func (p *Presenter) finish() {
	if !p.rendering {
		return
	}
	p.rendering = false
	if cb := p.onComplete; cb != nil {
		p.onComplete = nil
		cb()
	}
}

func (p *Presenter) IsRendering() bool { return p.rendering }

// CompleteRender finishes the current render immediately.
func (p *Presenter) CompleteRender() { p.finish() }

func (p *Presenter) SetForwardEnabled(enabled bool) {
	if enabled && !p.forward && p.active == nil {
		p.printf("(press Enter to continue)\n")
	}
	p.forward = enabled
}

func (p *Presenter) SetBackwardEnabled(enabled bool) {
	if enabled && !p.backward {
		p.printf("(type %s and Enter to go back)\n", BackCommand)
	}
	p.backward = enabled
}

func (p *Presenter) ShowInput(in flow.Input) {
	ci, ok := in.(*Input)
	if !ok {
		slog.Error("Presenter ShowInput: foreign input", "name", in.Name())
		return
	}
	p.active = ci
	p.printf("%s> ", ci.placeholder)
}

func (p *Presenter) HideInput(in flow.Input) {
	if p.active != nil && flow.Input(p.active) == in {
		p.active = nil
	}
}

// NewInput creates a console input field.
func (p *Presenter) NewInput(name, placeholder string) (flow.Input, error) {
	if name == "" {
		return nil, errors.New("input name is required")
	}
	return &Input{name: name, placeholder: placeholder}, nil
}

// Fault reports that the assistant has stopped.
func (p *Presenter) Fault() {
	p.faulted = true
	p.printf("\n[the assistant has stopped; press Ctrl+C to exit]\n")
}

// Faulted reports whether Fault was called.
func (p *Presenter) Faulted() bool { return p.faulted }

// Submit applies one line of user input: the back command regresses, any
// other text fills the visible input, then the dialog progresses.
func (p *Presenter) Submit(line string, progress, regress func()) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == BackCommand {
		regress()
		return
	}
	if p.active != nil && !p.rendering {
		p.active.set(line)
	}
	progress()
}

func (p *Presenter) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(p.out, format, args...); err != nil {
		slog.Debug("Presenter write failed", "error", err)
	}
}

// ReadInput reads lines from in until EOF or ctx ends and posts each one to
// the event loop through Submit.
func ReadInput(ctx context.Context, in io.Reader, post func(func()), p *Presenter, progress, regress func()) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("failed to read console input: %w", err)
			}
			return nil
		case line := <-lines:
			post(func() { p.Submit(line, progress, regress) })
		}
	}
}
