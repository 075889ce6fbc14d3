package assistant

import (
	"log/slog"

	"github.com/FollowMyVote/assistant/internal/chain"
	"github.com/FollowMyVote/assistant/internal/models"
)

// tryServer probes the node address the user entered.
func (a *Assistant) tryServer() {
	raw := a.currentInputValue()
	slog.Info("Assistant tryServer", "input", raw)

	nodeURL, err := chain.ResolveNodeURL(raw)
	if err != nil {
		slog.Info("Assistant rejected node address", "input", raw, "error", err)
		a.showURLCorrection(models.StateBadURL)
		return
	}
	a.machine.Display(models.StateTryingURL)
	a.probe(nodeURL)
}

// probe points the node client at nodeURL and bounds the wait for an answer.
func (a *Assistant) probe(nodeURL string) {
	a.monitor.Probe(nodeURL)
	a.timers.Arm(models.PhaseURLProbe, a.cfg.URLTimeout, a.urlProbeTimedOut)
}

func (a *Assistant) urlProbeTimedOut() {
	if !a.machine.IsCurrent(models.StateTryingURL, models.StateDeploymentServerSuccess) {
		return
	}
	slog.Warn("Assistant node probe timed out", "node_url", a.node.NodeURL())
	a.showURLCorrection(models.StateTimeoutURL)
}

// showURLCorrection displays a state that asks for another node address.
func (a *Assistant) showURLCorrection(id models.StateID) {
	in, err := a.ensureURLInput()
	if err != nil {
		slog.Error("Assistant could not create node address input", "error", err)
	}
	a.retarget(id, in)
	a.machine.Display(id)
}

// failurePrelude returns the opening of the failedUrl text for the state
// the failure interrupted. ok is false when no probe is on screen.
func (a *Assistant) failurePrelude() (prelude string, ok bool) {
	switch {
	case a.machine.IsCurrent(models.StateTryingURL, models.StateDeploymentServerSuccess):
		return a.texts.FailedURL.Preludes.Trying, true
	case a.machine.IsCurrent(models.StateTimeoutURL):
		return a.texts.FailedURL.Preludes.Timeout, true
	default:
		return "", false
	}
}

// NodeError implements chain.Reporter.
func (a *Assistant) NodeError(mode chain.Mode, code int) {
	if mode == chain.ModeReturning {
		a.normalStartupError(code)
		return
	}
	prelude, ok := a.failurePrelude()
	if !ok {
		slog.Debug("Assistant ignored node error outside a probe", "code", code, "state", a.machine.Current())
		return
	}

	current := a.node.NodeURL()
	slog.Warn("Assistant node probe failed", "node_url", current, "code", code)
	a.node.Disconnect()
	if current != "" && !chain.HasScheme(current) {
		a.node.SetNodeURL("http://" + current)
		return
	}

	a.node.SetNodeURL("")
	a.timers.Cancel(models.PhaseURLProbe)
	if !models.IsHTTPStatus(code) {
		a.showURLCorrection(models.StateBadURL)
		return
	}
	a.failedURLText = prelude + a.texts.FailedURLReason(code)
	a.showURLCorrection(models.StateFailedURL)
}

// NodeNonsense implements chain.Reporter.
func (a *Assistant) NodeNonsense(mode chain.Mode) {
	if mode == chain.ModeReturning {
		a.normalStartupError(0)
		return
	}
	prelude, ok := a.failurePrelude()
	if !ok {
		slog.Debug("Assistant ignored node nonsense outside a probe", "state", a.machine.Current())
		return
	}

	slog.Warn("Assistant node answered nonsense", "node_url", a.node.NodeURL())
	a.node.Disconnect()
	a.node.SetNodeURL("")
	a.timers.Cancel(models.PhaseURLProbe)
	a.failedURLText = prelude + a.texts.FailedURL.Reasons.Nonsense
	a.showURLCorrection(models.StateFailedURL)
}

// Connected implements chain.Reporter.
func (a *Assistant) Connected(mode chain.Mode, health chain.Health) bool {
	if mode == chain.ModeFirstRun {
		if !a.machine.IsCurrent(models.StateTryingURL, models.StateTimeoutURL, models.StateDeploymentServerSuccess) {
			return false
		}
		a.timers.Cancel(models.PhaseURLProbe)
		if err := a.settings.Save(models.SettingBlockchainNodeURL, a.node.NodeURL()); err != nil {
			slog.Error("Assistant failed to persist node URL", "error", err)
		}
		a.machine.Display(connectionState(health, models.StateGoodConnection, models.StateLatencyConnection,
			models.StateSyncConnection, models.StateLatencyAndSyncConnection))
		return true
	}

	if a.launch == launchOpened {
		return true
	}
	a.timers.Cancel(models.PhaseChainConnect)
	a.machine.Display(connectionState(health, models.StateReady, models.StateNormalLatency,
		models.StateSyncConnection, models.StateNormalLatencyAndSync))
	return true
}

func connectionState(h chain.Health, good, latency, sync, both models.StateID) models.StateID {
	switch {
	case h.HighLatency && h.OutOfSync:
		return both
	case h.HighLatency:
		return latency
	case h.OutOfSync:
		return sync
	default:
		return good
	}
}

// connectStoredNode connects to the node chosen on an earlier run.
func (a *Assistant) connectStoredNode() {
	a.monitor.Watch()
	a.node.SetNodeURL(a.settings.Value(models.SettingBlockchainNodeURL))
	a.timers.Arm(models.PhaseChainConnect, a.cfg.ConnectTimeout, a.chainConnectTimedOut)
}

// chainConnectTimedOut tells the user the stored node is slow and starts
// over with a fresh connection.
func (a *Assistant) chainConnectTimedOut() {
	if !a.machine.IsCurrent(models.StateNormalStart) {
		return
	}
	nodeURL := a.settings.Value(models.SettingBlockchainNodeURL)
	slog.Warn("Assistant stored node timed out; reconnecting", "node_url", nodeURL)
	a.machine.Display(models.StateNormalStartTimeout)
	a.node.Disconnect()
	a.node.SetNodeURL("")
	a.node.SetNodeURL(nodeURL)
}

func (a *Assistant) normalStartupError(code int) {
	if a.launch == launchOpened || a.machine.IsCurrent(models.StateNormalStartupFailure) {
		return
	}
	slog.Error("Assistant cannot reach stored node", "node_url", a.node.NodeURL(), "code", code)
	a.timers.Cancel(models.PhaseChainConnect)
	a.machine.Display(models.StateNormalStartupFailure)
	a.presenter.Fault()
}
