// Package assistant is the onboarding conversation: it owns the dialog graph
// and routes provisioning and node connectivity outcomes to dialog states.
//
// Everything here runs on the event loop. Transports, pollers and timers
// reach the assistant only through posted callbacks.
package assistant

import (
	"errors"
	"log/slog"
	"time"

	"github.com/FollowMyVote/assistant/internal/chain"
	"github.com/FollowMyVote/assistant/internal/flow"
	"github.com/FollowMyVote/assistant/internal/models"
	"github.com/FollowMyVote/assistant/internal/store"
)

// Defaults for Config fields left at zero.
const (
	DefaultURLTimeout     = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultRetryDelay     = 5 * time.Second
)

// Input names requested from the presenter.
const (
	InputInviteCode = "inviteCode"
	InputNodeURL    = "nodeURL"
)

var errNoNodeClient = errors.New("blockchain node client is unavailable")

// Provisioner runs the dispatch and deployment exchanges.
type Provisioner interface {
	StartDispatch(inviteCode string) error
	Retry() error
	Abort()
}

// Launcher prepares and opens the main application once onboarding is done.
// Prepare must call done on the event loop.
type Launcher interface {
	Prepare(done func(error))
	Open()
}

// Config tunes the conversation's timing.
type Config struct {
	// URLTimeout bounds a node probe started from the dialog.
	URLTimeout time.Duration
	// ConnectTimeout bounds the returning-run connection to the stored node.
	ConnectTimeout time.Duration
	// RetryDelay separates automatic retries after a connection failure.
	RetryDelay time.Duration
	// HighLatency is the round-trip time above which a node is slow.
	HighLatency time.Duration
	// ManualNode asks for a node address instead of an invite code.
	ManualNode bool
}

// Deps are the collaborators the conversation drives.
type Deps struct {
	Presenter   flow.Presenter
	Settings    *store.Settings
	Timers      *flow.PhaseTimer
	Provisioner Provisioner
	// Node may be nil if the node client could not be created; Start then
	// reports a startup failure.
	Node     chain.Node
	Launcher Launcher
	Texts    *Texts
}

type launchState int

const (
	launchIdle launchState = iota
	launchPreparing
	launchRequested
	launchPrepared
	launchOpened
)

// Assistant is the conversation context shared by every transition.
type Assistant struct {
	cfg         Config
	presenter   flow.Presenter
	settings    *store.Settings
	timers      *flow.PhaseTimer
	provisioner Provisioner
	node        chain.Node
	launcher    Launcher
	texts       *Texts

	machine  *flow.Machine
	monitor  *chain.Monitor
	firstRun bool

	inviteInput   flow.Input
	urlInput      flow.Input
	failedURLText string
	launch        launchState
}

// New builds the conversation. The run mode is fixed here from whether a
// node URL is already stored.
func New(cfg Config, deps Deps) *Assistant {
	if cfg.URLTimeout <= 0 {
		cfg.URLTimeout = DefaultURLTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if deps.Texts == nil {
		deps.Texts = DefaultTexts()
	}

	a := &Assistant{
		cfg:         cfg,
		presenter:   deps.Presenter,
		settings:    deps.Settings,
		timers:      deps.Timers,
		provisioner: deps.Provisioner,
		node:        deps.Node,
		launcher:    deps.Launcher,
		texts:       deps.Texts,
		machine:     flow.NewMachine(deps.Presenter),
		firstRun:    deps.Settings.IsFirstRun(),
	}

	mode := chain.ModeReturning
	if a.firstRun {
		mode = chain.ModeFirstRun
	}
	if a.node != nil {
		a.monitor = chain.NewMonitor(a.node, mode, cfg.HighLatency)
		a.monitor.SetReporter(a)
	}

	a.defineStates()
	return a
}

// Monitor returns the connectivity monitor to register with the node
// client, or nil without a node.
func (a *Assistant) Monitor() *chain.Monitor {
	return a.monitor
}

// Current returns the current dialog state.
func (a *Assistant) Current() models.StateID {
	return a.machine.Current()
}

// FirstRun reports whether this run is choosing a node for the first time.
func (a *Assistant) FirstRun() bool {
	return a.firstRun
}

// Progress is the user's forward gesture.
func (a *Assistant) Progress() {
	a.machine.Progress()
}

// Regress is the user's backward gesture.
func (a *Assistant) Regress() {
	a.machine.Regress()
}

// Start begins the conversation and, on a returning run, connects to the
// stored node.
func (a *Assistant) Start() {
	if a.node == nil {
		a.StartupFailed(errNoNodeClient)
		return
	}
	a.Begin()
	if !a.firstRun {
		a.connectStoredNode()
	}
}

// Begin shows the opening state unless a state is already current.
func (a *Assistant) Begin() {
	if a.machine.Current() != "" {
		slog.Info("Assistant Begin skipped; a dialog is already showing", "state", a.machine.Current())
		return
	}

	if !a.firstRun {
		slog.Info("Assistant routine startup", "node_url", a.settings.Value(models.SettingBlockchainNodeURL))
		a.machine.Display(models.StateNormalStart)
		return
	}

	slog.Info("Assistant first time startup")
	a.machine.Display(models.StateIntroduction)
	if _, err := a.ensureInviteInput(); err != nil {
		a.StartupFailed(err)
		return
	}
	if a.cfg.ManualNode {
		if _, err := a.ensureURLInput(); err != nil {
			a.StartupFailed(err)
		}
	}
}

// StartupFailed stops the conversation on an unrecoverable error.
func (a *Assistant) StartupFailed(err error) {
	slog.Error("Assistant startup failed", "error", err)
	a.timers.Stop()
	if a.provisioner != nil {
		a.provisioner.Abort()
	}
	if a.monitor != nil {
		a.monitor.Unwatch()
	}
	if a.node != nil {
		a.node.Disconnect()
	}
	a.machine.Display(models.StateStartupFailed)
	a.presenter.Fault()
}

func (a *Assistant) ensureInviteInput() (flow.Input, error) {
	if a.inviteInput != nil {
		return a.inviteInput, nil
	}
	in, err := a.presenter.NewInput(InputInviteCode, a.texts.Placeholders.InviteCode)
	if err != nil {
		return nil, err
	}
	a.inviteInput = in
	a.retarget(models.StateInviteCodeGet, in)
	a.retarget(models.StateDispatchServerUnrecognizedInviteCode, in)
	return in, nil
}

func (a *Assistant) ensureURLInput() (flow.Input, error) {
	if a.urlInput != nil {
		return a.urlInput, nil
	}
	in, err := a.presenter.NewInput(InputNodeURL, a.texts.Placeholders.NodeURL)
	if err != nil {
		return nil, err
	}
	a.urlInput = in
	a.retarget(models.StateGetURL, in)
	return in, nil
}

// retarget points a state at an input shared with the state it corrects.
func (a *Assistant) retarget(id models.StateID, in flow.Input) {
	if st, ok := a.machine.State(id); ok && in != nil {
		st.Input = in
	}
}

func (a *Assistant) currentInputValue() string {
	in := a.machine.CurrentInput()
	if in == nil {
		return ""
	}
	return in.Value()
}

// prepareApp starts loading the main application when ready is reached.
func (a *Assistant) prepareApp() {
	if a.launch != launchIdle {
		return
	}
	slog.Info("Assistant preparing app")
	a.launch = launchPreparing
	if a.launcher == nil {
		a.appPrepared(nil)
		return
	}
	a.launcher.Prepare(a.appPrepared)
}

func (a *Assistant) appPrepared(err error) {
	if err != nil {
		a.StartupFailed(err)
		return
	}
	slog.Info("Assistant app prepared")
	if a.launch == launchRequested {
		a.openNow()
		return
	}
	a.launch = launchPrepared
}

// openApp opens the app, or remembers the request until it is prepared.
func (a *Assistant) openApp() {
	switch a.launch {
	case launchPrepared:
		a.openNow()
	case launchPreparing:
		slog.Info("Assistant open requested; waiting for app")
		a.launch = launchRequested
	}
}

func (a *Assistant) openNow() {
	a.launch = launchOpened
	a.timers.Stop()
	if a.monitor != nil {
		a.monitor.Unwatch()
	}
	slog.Info("Assistant opening app")
	if a.launcher != nil {
		a.launcher.Open()
	}
}
