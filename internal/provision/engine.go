// Package provision runs the two-stage exchange that turns an invite code
// into a blockchain account: the dispatch server locates the deployment
// server for the code, and the deployment server creates the account.
//
// Both exchanges send the same request over a pinned secure session:
//
//	<inviteCode>\n<voterPublicKey>\n
//
// The dispatch server answers with the deployment server's host:port and its
// public key. The deployment server answers with the voter's account name and
// the blockchain node URL. A line "ERR <reason>" reports a rejection.
package provision

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/FollowMyVote/assistant/internal/flow"
	"github.com/FollowMyVote/assistant/internal/models"
	"github.com/FollowMyVote/assistant/internal/store"
	"github.com/FollowMyVote/assistant/internal/transport"
	"github.com/google/uuid"
)

// Default dispatch service coordinates.
const (
	DefaultDispatchEndpoint = "[::]:33388"
	DefaultDispatchKey      = "GBjnMG5BEReLXiDti6Uv4Jcb6KnVte1ygYRPjd3LGiUn"
	DefaultTimeout          = 10 * time.Second
)

// Error lines sent by the servers.
const (
	errPrefix       = "ERR "
	errInvite       = "invite"
	errKey          = "key"
	errUnresponsive = "upstream"
)

var voterNamePattern = regexp.MustCompile(`^[a-z0-9]{12}$`)

// ErrBusy is returned by Retry when no failed exchange is waiting.
var ErrBusy = errors.New("no exchange to retry")

// KeyManager creates and recognises public keys.
type KeyManager interface {
	CreateKeypair() (string, error)
	IsPublicKey(s string) bool
}

// Listener receives the outcome of each step. Calls happen on the event loop.
type Listener interface {
	DispatchStarted()
	DeploymentStarted()
	Provisioned(nodeURL string)
	Failed(stage Stage, kind models.ErrorKind)
}

// Config locates the dispatch service and bounds each exchange.
type Config struct {
	DispatchEndpoint string
	DispatchKey      string
	Timeout          time.Duration
}

// Engine runs provisioning exchanges. It is not safe for concurrent use;
// every method must be called on the event loop.
type Engine struct {
	cfg      Config
	session  transport.Session
	keys     KeyManager
	settings *store.Settings
	timers   *flow.PhaseTimer
	listener Listener

	state Session
}

// NewEngine creates an engine and registers it as session's handler.
func NewEngine(cfg Config, session transport.Session, keys KeyManager, settings *store.Settings, timers *flow.PhaseTimer) *Engine {
	if cfg.DispatchEndpoint == "" {
		cfg.DispatchEndpoint = DefaultDispatchEndpoint
	}
	if cfg.DispatchKey == "" {
		cfg.DispatchKey = DefaultDispatchKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	e := &Engine{
		cfg:      cfg,
		session:  session,
		keys:     keys,
		settings: settings,
		timers:   timers,
	}
	session.SetHandler(e)
	return e
}

// SetListener sets the receiver of provisioning outcomes.
func (e *Engine) SetListener(l Listener) {
	e.listener = l
}

// Session returns a copy of the current exchange state.
func (e *Engine) Session() Session {
	return e.state
}

// StartDispatch begins provisioning for a validated invite code.
func (e *Engine) StartDispatch(inviteCode string) error {
	voterKey, err := e.voterKey()
	if err != nil {
		return err
	}

	e.state = Session{
		AttemptID:  uuid.NewString(),
		Stage:      StageDispatch,
		Progress:   AwaitingFirstLine,
		InviteCode: inviteCode,
		VoterKey:   voterKey,
	}
	slog.Info("Engine StartDispatch", "attempt", e.state.AttemptID, "endpoint", e.cfg.DispatchEndpoint)
	e.notify(func(l Listener) { l.DispatchStarted() })

	return e.exchange(models.PhaseDispatch, e.cfg.DispatchEndpoint, e.cfg.DispatchKey)
}

// Retry repeats the exchange of the stage that last failed.
func (e *Engine) Retry() error {
	if !e.state.Failed {
		return ErrBusy
	}
	switch e.state.Stage {
	case StageDispatch:
		return e.StartDispatch(e.state.InviteCode)
	case StageDeployment:
		return e.startDeployment()
	default:
		return ErrBusy
	}
}

// Abort abandons the current exchange. Late events from it are ignored.
func (e *Engine) Abort() {
	if e.state.Stage == StageIdle {
		return
	}
	slog.Info("Engine Abort", "attempt", e.state.AttemptID, "stage", e.state.Stage)
	e.timers.Cancel(models.PhaseDispatch)
	e.timers.Cancel(models.PhaseDeployment)
	if err := e.session.Close(); err != nil {
		slog.Debug("Engine Abort: session close failed", "error", err)
	}
	e.state = Session{}
}

func (e *Engine) voterKey() (string, error) {
	if key := e.settings.Value(models.SettingVoterPublicKey); key != "" {
		return key, nil
	}
	key, err := e.keys.CreateKeypair()
	if err != nil {
		return "", fmt.Errorf("failed to create voter key: %w", err)
	}
	if err := e.settings.Save(models.SettingVoterPublicKey, key); err != nil {
		return "", err
	}
	slog.Info("Engine created voter key", "voter_key", key)
	return key, nil
}

// exchange opens a fresh session for the current stage and sends the request.
func (e *Engine) exchange(phase models.Phase, endpoint, pinnedKey string) error {
	ephemeral, err := e.keys.CreateKeypair()
	if err != nil {
		return fmt.Errorf("failed to create ephemeral key: %w", err)
	}

	e.session.Close()
	e.state.Failed = false
	e.state.Handshaken = false
	stage := e.state.Stage
	if err := e.session.Connect(endpoint, pinnedKey, ephemeral); err != nil {
		slog.Warn("Engine exchange: connect failed", "attempt", e.state.AttemptID, "stage", stage, "error", err)
		e.fail(models.ErrorKindConnectionFailed)
		return nil
	}
	if err := e.session.Send(e.state.InviteCode + "\n" + e.state.VoterKey + "\n"); err != nil {
		slog.Warn("Engine exchange: send failed", "attempt", e.state.AttemptID, "stage", stage, "error", err)
		e.fail(models.ErrorKindConnectionFailed)
		return nil
	}

	attempt := e.state.AttemptID
	e.timers.Arm(phase, e.cfg.Timeout, func() {
		if e.state.AttemptID != attempt || e.state.Stage != stage || e.state.Failed {
			return
		}
		slog.Warn("Engine exchange timed out", "attempt", attempt, "stage", stage)
		e.notify(func(l Listener) { l.Failed(stage, models.ErrorKindTimeout) })
	})
	return nil
}

func (e *Engine) startDeployment() error {
	location := e.settings.Value(models.SettingDeploymentLocation)
	key := e.settings.Value(models.SettingDeploymentKey)
	e.timers.Cancel(models.PhaseDispatch)

	e.state.Stage = StageDeployment
	e.state.Progress = AwaitingFirstLine
	e.state.DeploymentLocation = location
	e.state.DeploymentKey = key
	slog.Info("Engine startDeployment", "attempt", e.state.AttemptID, "location", location)
	e.notify(func(l Listener) { l.DeploymentStarted() })

	return e.exchange(models.PhaseDeployment, location, key)
}

// HandshakeCompleted implements transport.Handler.
func (e *Engine) HandshakeCompleted() {
	e.state.Handshaken = true
	if e.state.Stage == StageDispatch {
		if err := e.settings.Save(models.SettingInviteCode, e.state.InviteCode); err != nil {
			slog.Error("Engine failed to persist invite code", "error", err)
		}
	}
	slog.Debug("Engine handshake completed", "attempt", e.state.AttemptID, "stage", e.state.Stage)
}

// LineReady implements transport.Handler.
func (e *Engine) LineReady(line string) {
	line = strings.TrimSpace(line)
	slog.Debug("Engine line received", "attempt", e.state.AttemptID, "stage", e.state.Stage, "line", line)

	if strings.HasPrefix(line, errPrefix) {
		e.serverError(strings.TrimSpace(strings.TrimPrefix(line, errPrefix)))
		return
	}

	switch e.state.Stage {
	case StageDispatch:
		e.dispatchLine(line)
	case StageDeployment:
		e.deploymentLine(line)
	default:
		slog.Debug("Engine ignored line outside an exchange", "line", line)
	}
}

func (e *Engine) dispatchLine(line string) {
	switch {
	case e.state.Progress == AwaitingFirstLine && strings.Contains(line, ":"):
		e.state.DeploymentLocation = line
		e.state.Progress = AwaitingSecondLine
		e.timers.Cancel(models.PhaseDispatch)
		if err := e.settings.Save(models.SettingDeploymentLocation, line); err != nil {
			slog.Error("Engine failed to persist deployment location", "error", err)
		}
	case e.state.Progress == AwaitingSecondLine && e.keys.IsPublicKey(line):
		e.state.DeploymentKey = line
		e.state.Progress = Complete
		if err := e.settings.Save(models.SettingDeploymentKey, line); err != nil {
			slog.Error("Engine failed to persist deployment key", "error", err)
		}
		if err := e.startDeployment(); err != nil {
			slog.Error("Engine failed to start deployment", "error", err)
			e.fail(models.ErrorKindConnectionFailed)
		}
	default:
		slog.Warn("Engine ignored unexpected dispatch line", "progress", e.state.Progress, "line", line)
	}
}

func (e *Engine) deploymentLine(line string) {
	switch {
	case e.state.Progress == AwaitingFirstLine && voterNamePattern.MatchString(line):
		e.state.VoterName = line
		e.state.Progress = AwaitingSecondLine
		e.timers.Cancel(models.PhaseDeployment)
		if err := e.settings.Save(models.SettingVoterName, line); err != nil {
			slog.Error("Engine failed to persist voter name", "error", err)
		}
	case e.state.Progress == AwaitingSecondLine && strings.Contains(line, ":"):
		e.state.NodeURL = line
		e.state.Progress = Complete
		e.state.Stage = StageDone
		e.timers.Cancel(models.PhaseDeployment)
		if err := e.settings.Save(models.SettingBlockchainNodeURL, line); err != nil {
			slog.Error("Engine failed to persist node URL", "error", err)
		}
		e.session.Close()
		slog.Info("Engine provisioning succeeded", "attempt", e.state.AttemptID, "voter", e.state.VoterName, "node_url", line)
		e.notify(func(l Listener) { l.Provisioned(line) })
	default:
		slog.Warn("Engine ignored unexpected deployment line", "progress", e.state.Progress, "line", line)
	}
}

func (e *Engine) serverError(reason string) {
	var kind models.ErrorKind
	switch {
	case e.state.Stage == StageDispatch && reason == errUnresponsive:
		kind = models.ErrorKindUpstreamUnresponsive
	case e.state.Stage == StageDeployment && reason == errKey:
		kind = models.ErrorKindInvalidPublicKey
	case reason == errInvite:
		kind = models.ErrorKindInviteRejected
	default:
		slog.Warn("Engine ignored unknown server error", "stage", e.state.Stage, "reason", reason)
		return
	}
	if e.state.Stage != StageDispatch && e.state.Stage != StageDeployment {
		return
	}
	slog.Warn("Engine server reported error", "attempt", e.state.AttemptID, "stage", e.state.Stage, "reason", reason)
	e.fail(kind)
	e.session.Close()
}

// SessionEnded implements transport.Handler.
func (e *Engine) SessionEnded(err error) {
	stage := e.state.Stage
	if e.state.Failed || (stage != StageDispatch && stage != StageDeployment) {
		slog.Debug("Engine ignored stale session end", "stage", stage, "error", err)
		return
	}
	slog.Info("Engine session ended", "attempt", e.state.AttemptID, "stage", stage, "handshaken", e.state.Handshaken, "error", err)

	switch {
	case !e.state.Handshaken:
		e.fail(models.ErrorKindConnectionFailed)
	case e.state.Progress == AwaitingFirstLine:
		e.fail(models.ErrorKindInviteRejected)
	default:
		e.fail(models.ErrorKindMalformedResponse)
	}
}

// fail records a terminal outcome for the current stage and reports it.
func (e *Engine) fail(kind models.ErrorKind) {
	stage := e.state.Stage
	e.state.Failed = true
	e.timers.Cancel(stage.phase())
	e.notify(func(l Listener) { l.Failed(stage, kind) })
}

func (e *Engine) notify(fn func(Listener)) {
	if e.listener == nil {
		return
	}
	fn(e.listener)
}
