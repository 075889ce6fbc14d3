package assistant

import (
	"errors"
	"testing"
	"time"

	"github.com/FollowMyVote/assistant/internal/flow"
	"github.com/FollowMyVote/assistant/internal/keys"
	"github.com/FollowMyVote/assistant/internal/models"
	"github.com/FollowMyVote/assistant/internal/provision"
	"github.com/FollowMyVote/assistant/internal/store"
	"github.com/FollowMyVote/assistant/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nodeURL = "http://node.example.com:8090"

type fakeProvisioner struct {
	codes    []string
	retries  int
	aborts   int
	startErr error
}

func (p *fakeProvisioner) StartDispatch(code string) error {
	p.codes = append(p.codes, code)
	return p.startErr
}

func (p *fakeProvisioner) Retry() error {
	p.retries++
	return nil
}

func (p *fakeProvisioner) Abort() { p.aborts++ }

type fakeLauncher struct {
	done   func(error)
	opened int
}

func (l *fakeLauncher) Prepare(done func(error)) { l.done = done }

func (l *fakeLauncher) Open() { l.opened++ }

type harness struct {
	a           *Assistant
	presenter   *testutil.FakePresenter
	node        *testutil.FakeNode
	provisioner *fakeProvisioner
	launcher    *fakeLauncher
	settings    *store.Settings
	timers      *flow.PhaseTimer
	queue       chan func()
}

type harnessOption func(*Config, *harness)

func withManualNode() harnessOption {
	return func(c *Config, _ *harness) { c.ManualNode = true }
}

func withStoredNode(url string) harnessOption {
	return func(_ *Config, h *harness) {
		_ = h.settings.Save(models.SettingBlockchainNodeURL, url)
	}
}

func withoutNode() harnessOption {
	return func(_ *Config, h *harness) { h.node = nil }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		presenter:   testutil.NewFakePresenter(true),
		node:        &testutil.FakeNode{},
		provisioner: &fakeProvisioner{},
		launcher:    &fakeLauncher{},
		settings:    store.NewSettings(store.NewInMemoryStore()),
		queue:       make(chan func(), 16),
	}
	h.timers = flow.NewPhaseTimer(func(fn func()) { h.queue <- fn })
	t.Cleanup(h.timers.Stop)

	cfg := Config{
		URLTimeout:     20 * time.Millisecond,
		ConnectTimeout: 20 * time.Millisecond,
		RetryDelay:     20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg, h)
	}

	deps := Deps{
		Presenter:   h.presenter,
		Settings:    h.settings,
		Timers:      h.timers,
		Provisioner: h.provisioner,
		Launcher:    h.launcher,
	}
	if h.node != nil {
		deps.Node = h.node
	}
	h.a = New(cfg, deps)
	return h
}

// runTimer waits for the next timer callback and runs it as the loop would.
func (h *harness) runTimer(t *testing.T) {
	t.Helper()
	select {
	case fn := <-h.queue:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("no timer fired")
	}
}

func (h *harness) typeInto(t *testing.T, text string) {
	t.Helper()
	in, ok := h.presenter.Visible.(*testutil.FakeInput)
	require.True(t, ok, "no input is visible in %s", h.a.Current())
	in.Set(text)
}

func (h *harness) connect(status models.SyncStatus, latency time.Duration) {
	h.node.Status = status
	h.node.RTT = latency
	h.a.Monitor().StatusChanged(status)
}

func TestFirstRunAsksForInviteCode(t *testing.T) {
	h := newHarness(t)
	h.a.Start()

	assert.True(t, h.a.FirstRun())
	assert.Equal(t, models.StateIntroduction, h.a.Current())
	assert.Contains(t, h.presenter.LastRender(), "Así")
	assert.True(t, h.presenter.Forward)
	assert.False(t, h.presenter.Backward)
	require.Contains(t, h.presenter.Inputs, InputInviteCode)
	assert.Equal(t, "ABC-1234567890", h.presenter.Inputs[InputInviteCode].Placeholder)

	h.a.Progress()
	assert.Equal(t, models.StateInviteCodeGet, h.a.Current())
	assert.Equal(t, h.presenter.Inputs[InputInviteCode], h.presenter.Visible)
	assert.True(t, h.presenter.Backward)
}

func TestMalformedInviteCodeIsCorrected(t *testing.T) {
	h := newHarness(t)
	h.a.Start()
	h.a.Progress()

	h.typeInto(t, "abc1234567890")
	h.a.Progress()
	assert.Equal(t, models.StateInviteCodeMalformed, h.a.Current())
	assert.Empty(t, h.provisioner.codes)
	assert.Equal(t, h.presenter.Inputs[InputInviteCode], h.presenter.Visible)

	h.typeInto(t, "  abc-1234567890 ")
	h.a.Progress()
	assert.Equal(t, []string{"abc-1234567890"}, h.provisioner.codes)
}

func TestStartDispatchErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.provisioner.startErr = errors.New("wallet is locked")
	h.a.Start()
	h.a.Progress()
	h.typeInto(t, "abc-1234567890")
	h.a.Progress()

	assert.Equal(t, models.StateStartupFailed, h.a.Current())
	assert.Equal(t, 1, h.presenter.Faults)
}

func TestProvisioningToGoodConnection(t *testing.T) {
	h := newHarness(t)
	h.a.Start()

	h.a.DispatchStarted()
	assert.Equal(t, models.StateDispatchServerTrying, h.a.Current())
	assert.False(t, h.presenter.Forward)
	assert.False(t, h.presenter.Backward)

	h.a.DeploymentStarted()
	assert.Equal(t, models.StateDeploymentServerTrying, h.a.Current())

	h.a.Provisioned(nodeURL)
	assert.Equal(t, models.StateDeploymentServerSuccess, h.a.Current())
	assert.Equal(t, nodeURL, h.node.URL)
	assert.True(t, h.a.Monitor().Watching())
	assert.True(t, h.timers.Pending(models.PhaseURLProbe))

	h.connect(models.SyncStatusSynchronized, 100*time.Millisecond)
	assert.Equal(t, models.StateGoodConnection, h.a.Current())
	assert.Equal(t, nodeURL, h.settings.Value(models.SettingBlockchainNodeURL))
	assert.False(t, h.timers.Pending(models.PhaseURLProbe))
	assert.False(t, h.a.Monitor().Watching())
}

func TestConnectionClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  models.SyncStatus
		latency time.Duration
		want    models.StateID
	}{
		{"good", models.SyncStatusSynchronized, time.Millisecond, models.StateGoodConnection},
		{"slow", models.SyncStatusSynchronized, 3 * time.Second, models.StateLatencyConnection},
		{"stale", models.SyncStatusSynchronizedStale, time.Millisecond, models.StateSyncConnection},
		{"slow and stale", models.SyncStatusSynchronizedStale, 3 * time.Second, models.StateLatencyAndSyncConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.a.Start()
			h.a.DispatchStarted()
			h.a.DeploymentStarted()
			h.a.Provisioned(nodeURL)

			h.connect(tt.status, tt.latency)
			assert.Equal(t, tt.want, h.a.Current())
			assert.True(t, h.presenter.Forward)
		})
	}
}

func TestConnectedIgnoredOutsideProbe(t *testing.T) {
	h := newHarness(t)
	h.a.Start()
	h.a.Monitor().Watch()

	h.connect(models.SyncStatusSynchronized, time.Millisecond)
	assert.Equal(t, models.StateIntroduction, h.a.Current())
	assert.True(t, h.a.Monitor().Watching())
	assert.False(t, h.settings.Has(models.SettingBlockchainNodeURL))
}

func TestProvisioningFailureStates(t *testing.T) {
	tests := []struct {
		stage provision.Stage
		kind  models.ErrorKind
		want  models.StateID
	}{
		{provision.StageDispatch, models.ErrorKindConnectionFailed, models.StateDispatchServerConnectionFailure},
		{provision.StageDispatch, models.ErrorKindMalformedResponse, models.StateDispatchServerConnectionFailure},
		{provision.StageDispatch, models.ErrorKindInviteRejected, models.StateDispatchServerUnrecognizedInviteCode},
		{provision.StageDispatch, models.ErrorKindUpstreamUnresponsive, models.StateDispatchServerReportsUnresponsiveDeployment},
		{provision.StageDeployment, models.ErrorKindConnectionFailed, models.StateDeploymentServerConnectionFailure},
		{provision.StageDeployment, models.ErrorKindMalformedResponse, models.StateDeploymentServerConnectionFailure},
		{provision.StageDeployment, models.ErrorKindInviteRejected, models.StateDeploymentServerUnrecognizedInviteCode},
		{provision.StageDeployment, models.ErrorKindInvalidPublicKey, models.StateDeploymentServerInvalidPublicKey},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureState(tt.stage, tt.kind), "%s %s", tt.stage, tt.kind)
	}
}

func TestUnrecognizedInviteCodeOffersInputAgain(t *testing.T) {
	h := newHarness(t)
	h.a.Start()
	h.a.DispatchStarted()
	h.a.DeploymentStarted()

	h.a.Failed(provision.StageDeployment, models.ErrorKindInviteRejected)
	assert.Equal(t, models.StateDeploymentServerUnrecognizedInviteCode, h.a.Current())
	assert.Equal(t, h.presenter.Inputs[InputInviteCode], h.presenter.Visible)
	assert.False(t, h.presenter.Backward)

	h.typeInto(t, "def-0000000000")
	h.a.Progress()
	assert.Equal(t, []string{"def-0000000000"}, h.provisioner.codes)
}

func TestProvisioningTimeoutThenFailure(t *testing.T) {
	h := newHarness(t)
	h.a.Start()
	h.a.DispatchStarted()

	h.a.Failed(provision.StageDispatch, models.ErrorKindTimeout)
	assert.Equal(t, models.StateDispatchServerTimeout, h.a.Current())
	assert.True(t, h.presenter.Backward)

	// A second timeout notice does not re-render.
	renders := len(h.presenter.Renders)
	h.a.Failed(provision.StageDispatch, models.ErrorKindTimeout)
	assert.Len(t, h.presenter.Renders, renders)

	h.a.Failed(provision.StageDispatch, models.ErrorKindUpstreamUnresponsive)
	assert.Equal(t, models.StateDispatchServerReportsUnresponsiveDeployment, h.a.Current())
}

func TestStaleProvisioningEventsIgnored(t *testing.T) {
	h := newHarness(t)
	h.a.Start()

	h.a.Failed(provision.StageDispatch, models.ErrorKindConnectionFailed)
	h.a.Provisioned(nodeURL)
	assert.Equal(t, models.StateIntroduction, h.a.Current())
	assert.Empty(t, h.node.URL)

	h.a.DispatchStarted()
	h.a.Failed(provision.StageDeployment, models.ErrorKindInvalidPublicKey)
	assert.Equal(t, models.StateDispatchServerTrying, h.a.Current())
}

func TestConnectionFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.a.Start()
	h.a.DispatchStarted()

	h.a.Failed(provision.StageDispatch, models.ErrorKindConnectionFailed)
	assert.Equal(t, models.StateDispatchServerConnectionFailure, h.a.Current())
	require.True(t, h.timers.Pending(models.PhaseDispatch))

	h.runTimer(t)
	assert.Equal(t, 1, h.provisioner.retries)
}

func TestRetrySkippedAfterLeavingFailure(t *testing.T) {
	h := newHarness(t)
	h.a.Start()
	h.a.DispatchStarted()
	h.a.Failed(provision.StageDispatch, models.ErrorKindConnectionFailed)

	h.a.Regress()
	assert.Equal(t, models.StateIntroduction, h.a.Current())
	assert.Equal(t, 1, h.provisioner.aborts)
	assert.False(t, h.timers.Pending(models.PhaseDispatch))
	assert.Zero(t, h.provisioner.retries)
}

func TestBackFromTimeoutAborts(t *testing.T) {
	h := newHarness(t)
	h.a.Start()
	h.a.DispatchStarted()
	h.a.DeploymentStarted()
	h.a.Failed(provision.StageDeployment, models.ErrorKindTimeout)

	h.a.Regress()
	assert.Equal(t, models.StateIntroduction, h.a.Current())
	assert.Equal(t, 1, h.provisioner.aborts)

	h.a.Failed(provision.StageDeployment, models.ErrorKindConnectionFailed)
	assert.Equal(t, models.StateIntroduction, h.a.Current())
}

func TestManualNodeEntry(t *testing.T) {
	h := newHarness(t, withManualNode())
	h.a.Start()
	h.a.Progress()
	require.Equal(t, models.StateGetURL, h.a.Current())
	assert.Equal(t, h.presenter.Inputs[InputNodeURL], h.presenter.Visible)

	h.a.Progress()
	assert.Equal(t, models.StateBadURL, h.a.Current())
	assert.Empty(t, h.node.URLHistory)

	h.typeInto(t, "node.example.com:8090")
	h.a.Progress()
	assert.Equal(t, models.StateTryingURL, h.a.Current())
	assert.Equal(t, "node.example.com:8090", h.node.URL)
	assert.True(t, h.a.Monitor().Watching())

	h.connect(models.SyncStatusConnected, time.Millisecond)
	assert.Equal(t, models.StateGoodConnection, h.a.Current())
	assert.Equal(t, "node.example.com:8090", h.settings.Value(models.SettingBlockchainNodeURL))
}

func TestNodeErrorRetriesWithHTTPThenExplains(t *testing.T) {
	h := newHarness(t, withManualNode())
	h.a.Start()
	h.a.Progress()
	h.typeInto(t, "node.example.com")
	h.a.Progress()

	h.a.Monitor().NodeError(models.NodeErrorProtocolUnknown)
	assert.Equal(t, models.StateTryingURL, h.a.Current())
	assert.Equal(t, "http://node.example.com", h.node.URL)

	h.a.Monitor().NodeError(404)
	assert.Equal(t, models.StateFailedURL, h.a.Current())
	assert.Empty(t, h.node.URL)
	texts := DefaultTexts()
	assert.Equal(t, texts.FailedURL.Preludes.Trying+texts.FailedURL.Reasons.NotFound, h.presenter.LastRender())
	assert.Equal(t, h.presenter.Inputs[InputNodeURL], h.presenter.Visible)
	assert.False(t, h.timers.Pending(models.PhaseURLProbe))
}

func TestNodeErrorRetriesHostStartingWithHTTP(t *testing.T) {
	h := newHarness(t, withManualNode())
	h.a.Start()
	h.a.Progress()
	h.typeInto(t, "httpnode.example.com:8888")
	h.a.Progress()
	require.Equal(t, models.StateTryingURL, h.a.Current())

	h.a.Monitor().NodeError(models.NodeErrorProtocolUnknown)
	assert.Equal(t, models.StateTryingURL, h.a.Current())
	assert.Equal(t, "http://httpnode.example.com:8888", h.node.URL)
}

func TestNodeTransportErrorShowsBadURL(t *testing.T) {
	h := newHarness(t, withManualNode())
	h.a.Start()
	h.a.Progress()
	h.typeInto(t, "http://nowhere.invalid")
	h.a.Progress()

	h.a.Monitor().NodeError(models.NodeErrorConnectionRefused)
	assert.Equal(t, models.StateBadURL, h.a.Current())
	assert.Empty(t, h.node.URL)
}

func TestURLProbeTimeoutThenNonsense(t *testing.T) {
	h := newHarness(t, withManualNode())
	h.a.Start()
	h.a.Progress()
	h.typeInto(t, nodeURL)
	h.a.Progress()

	h.runTimer(t)
	assert.Equal(t, models.StateTimeoutURL, h.a.Current())
	assert.True(t, h.presenter.Forward)

	h.a.Monitor().NodeResponseNonsense()
	assert.Equal(t, models.StateFailedURL, h.a.Current())
	texts := DefaultTexts()
	assert.Equal(t, texts.FailedURL.Preludes.Timeout+texts.FailedURL.Reasons.Nonsense, h.presenter.LastRender())
}

func TestLateConnectionAfterTimeoutIsAccepted(t *testing.T) {
	h := newHarness(t)
	h.a.Start()
	h.a.DispatchStarted()
	h.a.DeploymentStarted()
	h.a.Provisioned(nodeURL)

	h.runTimer(t)
	assert.Equal(t, models.StateTimeoutURL, h.a.Current())

	h.connect(models.SyncStatusSynchronized, time.Millisecond)
	assert.Equal(t, models.StateGoodConnection, h.a.Current())
}

func TestReturningRunConnectsToStoredNode(t *testing.T) {
	h := newHarness(t, withStoredNode(nodeURL))
	h.a.Start()

	assert.False(t, h.a.FirstRun())
	assert.Equal(t, models.StateNormalStart, h.a.Current())
	assert.Equal(t, nodeURL, h.node.URL)
	assert.True(t, h.timers.Pending(models.PhaseChainConnect))
	assert.Empty(t, h.presenter.Inputs)

	h.connect(models.SyncStatusSynchronized, 3*time.Second)
	assert.Equal(t, models.StateNormalLatency, h.a.Current())
	assert.False(t, h.timers.Pending(models.PhaseChainConnect))
}

func TestReturningRunHealthyGoesStraightToReady(t *testing.T) {
	h := newHarness(t, withStoredNode(nodeURL))
	h.a.Start()

	h.connect(models.SyncStatusSynchronized, time.Millisecond)
	assert.Equal(t, models.StateReady, h.a.Current())
	assert.NotNil(t, h.launcher.done)
}

func TestReturningRunTimeoutReconnects(t *testing.T) {
	h := newHarness(t, withStoredNode(nodeURL))
	h.a.Start()

	h.runTimer(t)
	assert.Equal(t, models.StateNormalStartTimeout, h.a.Current())
	assert.Equal(t, []string{nodeURL, "", nodeURL}, h.node.URLHistory)
	assert.Equal(t, 1, h.node.Disconnects)

	h.connect(models.SyncStatusSynchronizedStale, time.Millisecond)
	assert.Equal(t, models.StateSyncConnection, h.a.Current())
}

func TestReturningRunNodeFailure(t *testing.T) {
	h := newHarness(t, withStoredNode(nodeURL))
	h.a.Start()

	h.a.Monitor().NodeError(502)
	assert.Equal(t, models.StateNormalStartupFailure, h.a.Current())
	assert.Equal(t, 1, h.presenter.Faults)
	assert.False(t, h.timers.Pending(models.PhaseChainConnect))

	h.a.Monitor().NodeResponseNonsense()
	assert.Equal(t, 1, h.presenter.Faults)
}

func TestStartWithoutNodeFails(t *testing.T) {
	h := newHarness(t, withoutNode())
	h.a.Start()

	assert.Equal(t, models.StateStartupFailed, h.a.Current())
	assert.Equal(t, 1, h.presenter.Faults)
	assert.Nil(t, h.a.Monitor())
}

func TestInputCreationFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.presenter.InputErr = errors.New("no input widget")
	h.a.Start()

	assert.Equal(t, models.StateStartupFailed, h.a.Current())
	assert.Equal(t, 1, h.presenter.Faults)
}

func TestBeginTwiceKeepsState(t *testing.T) {
	h := newHarness(t)
	h.a.Start()
	h.a.Progress()
	h.a.Begin()
	assert.Equal(t, models.StateInviteCodeGet, h.a.Current())
}

func TestOpenWaitsForPreparedApp(t *testing.T) {
	h := newHarness(t)
	h.a.Start()
	h.a.DispatchStarted()
	h.a.DeploymentStarted()
	h.a.Provisioned(nodeURL)
	h.connect(models.SyncStatusSynchronized, time.Millisecond)

	h.a.Progress()
	require.Equal(t, models.StateReady, h.a.Current())
	require.NotNil(t, h.launcher.done)

	h.a.Progress()
	assert.Zero(t, h.launcher.opened)

	h.launcher.done(nil)
	assert.Equal(t, 1, h.launcher.opened)
}

func TestOpenAfterPrepared(t *testing.T) {
	h := newHarness(t, withStoredNode(nodeURL))
	h.a.Start()
	h.connect(models.SyncStatusSynchronized, time.Millisecond)

	h.launcher.done(nil)
	assert.Zero(t, h.launcher.opened)

	h.a.Progress()
	assert.Equal(t, 1, h.launcher.opened)

	// Node trouble after launch no longer reaches the dialog.
	h.a.Monitor().NodeError(500)
	assert.Equal(t, models.StateReady, h.a.Current())
}

func TestPrepareFailureIsFatal(t *testing.T) {
	h := newHarness(t, withStoredNode(nodeURL))
	h.a.Start()
	h.connect(models.SyncStatusSynchronized, time.Millisecond)

	h.launcher.done(errors.New("app bundle missing"))
	assert.Equal(t, models.StateStartupFailed, h.a.Current())
	assert.Equal(t, 1, h.presenter.Faults)
}

func TestFreshInstallEndToEnd(t *testing.T) {
	h := newHarness(t)
	session := &testutil.FakeSession{}
	km := keys.NewManager(keys.NewMemoryWallet())
	engine := provision.NewEngine(provision.Config{Timeout: time.Hour}, session, km, h.settings, h.timers)
	engine.SetListener(h.a)
	h.a.provisioner = engine

	h.a.Start()
	require.Equal(t, models.StateIntroduction, h.a.Current())
	h.a.Progress()
	h.typeInto(t, "ABC-1234567890")
	h.a.Progress()

	require.Equal(t, models.StateDispatchServerTrying, h.a.Current())
	voterKey := h.settings.Value(models.SettingVoterPublicKey)
	require.True(t, keys.IsPublicKey(voterKey))
	assert.Equal(t, provision.DefaultDispatchEndpoint, session.LastConnect().Endpoint)
	assert.Equal(t, []string{"ABC-1234567890\n" + voterKey + "\n"}, session.Sent)

	deploymentKey, err := km.CreateKeypair()
	require.NoError(t, err)
	session.Handler.HandshakeCompleted()
	assert.Equal(t, "ABC-1234567890", h.settings.Value(models.SettingInviteCode))
	session.Handler.LineReady(deploymentKey)
	assert.Equal(t, models.StateDispatchServerTrying, h.a.Current(), "a key before the location must not start deployment")
	session.Handler.LineReady("node1.example.com:9000")
	session.Handler.LineReady(deploymentKey)

	require.Equal(t, models.StateDeploymentServerTrying, h.a.Current())
	assert.Equal(t, "node1.example.com:9000", session.LastConnect().Endpoint)
	assert.Equal(t, deploymentKey, session.LastConnect().Pinned)

	session.Handler.HandshakeCompleted()
	session.Handler.LineReady("ab12cd34ef56")
	session.Handler.LineReady("https://chain.example.com:8080/api/")

	require.Equal(t, models.StateDeploymentServerSuccess, h.a.Current())
	assert.Equal(t, "ab12cd34ef56", h.settings.Value(models.SettingVoterName))
	assert.Equal(t, "https://chain.example.com:8080/api/", h.node.URL)
	assert.True(t, h.a.Monitor().Watching())

	h.connect(models.SyncStatusSynchronized, 50*time.Millisecond)
	require.Equal(t, models.StateGoodConnection, h.a.Current())
	assert.Equal(t, "https://chain.example.com:8080/api/", h.settings.Value(models.SettingBlockchainNodeURL))

	h.a.Progress()
	assert.Equal(t, models.StateReady, h.a.Current())
}
