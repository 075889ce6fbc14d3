package assistant

import (
	"log/slog"

	"github.com/FollowMyVote/assistant/internal/invite"
	"github.com/FollowMyVote/assistant/internal/models"
	"github.com/FollowMyVote/assistant/internal/provision"
)

// tryInviteCode validates the entered code and starts provisioning.
func (a *Assistant) tryInviteCode() {
	raw := a.currentInputValue()
	slog.Info("Assistant tryInviteCode", "input", raw)

	code, err := invite.Parse(raw)
	if err != nil {
		a.retarget(models.StateInviteCodeMalformed, a.inviteInput)
		a.machine.Display(models.StateInviteCodeMalformed)
		return
	}
	if err := a.provisioner.StartDispatch(code); err != nil {
		a.StartupFailed(err)
	}
}

// DispatchStarted implements provision.Listener.
func (a *Assistant) DispatchStarted() {
	a.machine.Display(models.StateDispatchServerTrying)
}

// DeploymentStarted implements provision.Listener.
func (a *Assistant) DeploymentStarted() {
	a.machine.Display(models.StateDeploymentServerTrying)
}

// Provisioned implements provision.Listener.
func (a *Assistant) Provisioned(nodeURL string) {
	if !a.machine.IsCurrent(models.StateDeploymentServerTrying, models.StateDeploymentServerTimeout) {
		slog.Warn("Assistant ignored late provisioning result", "state", a.machine.Current())
		return
	}
	a.machine.Display(models.StateDeploymentServerSuccess)
	a.probe(nodeURL)
}

// Failed implements provision.Listener.
func (a *Assistant) Failed(stage provision.Stage, kind models.ErrorKind) {
	trying, timedOut := models.StateDispatchServerTrying, models.StateDispatchServerTimeout
	if stage == provision.StageDeployment {
		trying, timedOut = models.StateDeploymentServerTrying, models.StateDeploymentServerTimeout
	}
	if !a.machine.IsCurrent(trying, timedOut) {
		slog.Debug("Assistant ignored stale provisioning failure", "stage", stage, "kind", kind, "state", a.machine.Current())
		return
	}

	if kind == models.ErrorKindTimeout {
		if a.machine.IsCurrent(trying) {
			a.machine.Display(timedOut)
		}
		return
	}

	id := failureState(stage, kind)
	if id == models.StateDispatchServerUnrecognizedInviteCode || id == models.StateDeploymentServerUnrecognizedInviteCode {
		a.retarget(id, a.inviteInput)
	}
	a.machine.Display(id)

	if id == models.StateDispatchServerConnectionFailure || id == models.StateDeploymentServerConnectionFailure {
		a.scheduleRetry(stage, id)
	}
}

// failureState maps a provisioning failure to the state that explains it.
func failureState(stage provision.Stage, kind models.ErrorKind) models.StateID {
	if stage == provision.StageDeployment {
		switch kind {
		case models.ErrorKindInviteRejected:
			return models.StateDeploymentServerUnrecognizedInviteCode
		case models.ErrorKindInvalidPublicKey:
			return models.StateDeploymentServerInvalidPublicKey
		default:
			return models.StateDeploymentServerConnectionFailure
		}
	}
	switch kind {
	case models.ErrorKindInviteRejected:
		return models.StateDispatchServerUnrecognizedInviteCode
	case models.ErrorKindUpstreamUnresponsive:
		return models.StateDispatchServerReportsUnresponsiveDeployment
	default:
		return models.StateDispatchServerConnectionFailure
	}
}

// scheduleRetry retries a failed exchange for as long as its failure is
// still on screen.
func (a *Assistant) scheduleRetry(stage provision.Stage, shown models.StateID) {
	phase := models.PhaseDispatch
	if stage == provision.StageDeployment {
		phase = models.PhaseDeployment
	}
	a.timers.Arm(phase, a.cfg.RetryDelay, func() {
		if !a.machine.IsCurrent(shown) {
			return
		}
		slog.Info("Assistant retrying provisioning", "stage", stage)
		if err := a.provisioner.Retry(); err != nil {
			slog.Warn("Assistant retry failed", "stage", stage, "error", err)
		}
	})
}
