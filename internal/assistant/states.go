package assistant

import (
	"github.com/FollowMyVote/assistant/internal/flow"
	"github.com/FollowMyVote/assistant/internal/models"
)

// defineStates registers the conversation graph.
func (a *Assistant) defineStates() {
	m := a.machine
	goTo := func(id models.StateID) func() {
		return func() { m.Display(id) }
	}
	text := a.texts.Text

	m.Define(
		&flow.State{ID: models.StateStartupFailed, Text: text(models.StateStartupFailed)},
		&flow.State{ID: models.StateIntroduction, Text: text(models.StateIntroduction), Next: a.introductionNext},

		// Manual node address entry.
		&flow.State{ID: models.StateGetURL, Text: text(models.StateGetURL), Next: a.tryServer, Prev: a.backToIntroduction},
		&flow.State{ID: models.StateBadURL, Text: text(models.StateBadURL), Next: a.tryServer, Prev: a.backToIntroduction},
		&flow.State{ID: models.StateTryingURL, Text: text(models.StateTryingURL)},
		&flow.State{
			ID:       models.StateFailedURL,
			TextFunc: func() string { return a.failedURLText },
			Next:     a.tryServer,
			Prev:     a.backToIntroduction,
		},
		&flow.State{ID: models.StateTimeoutURL, Text: text(models.StateTimeoutURL), Next: a.tryServer, Prev: a.backToIntroduction},

		// Invite code and provisioning.
		&flow.State{ID: models.StateInviteCodeGet, Text: text(models.StateInviteCodeGet), Next: a.tryInviteCode, Prev: a.backToIntroduction},
		&flow.State{ID: models.StateInviteCodeMalformed, Text: text(models.StateInviteCodeMalformed), Next: a.tryInviteCode, Prev: a.backToIntroduction},
		&flow.State{ID: models.StateDispatchServerTrying, Text: text(models.StateDispatchServerTrying)},
		&flow.State{ID: models.StateDispatchServerConnectionFailure, Text: text(models.StateDispatchServerConnectionFailure), Prev: a.backToIntroduction},
		&flow.State{ID: models.StateDispatchServerTimeout, Text: text(models.StateDispatchServerTimeout), Prev: a.backToIntroduction},
		&flow.State{ID: models.StateDispatchServerReportsUnresponsiveDeployment, Text: text(models.StateDispatchServerReportsUnresponsiveDeployment), Prev: a.backToIntroduction},
		&flow.State{ID: models.StateDispatchServerUnrecognizedInviteCode, Text: text(models.StateDispatchServerUnrecognizedInviteCode), Next: a.tryInviteCode},
		&flow.State{ID: models.StateDeploymentServerTrying, Text: text(models.StateDeploymentServerTrying)},
		&flow.State{ID: models.StateDeploymentServerConnectionFailure, Text: text(models.StateDeploymentServerConnectionFailure), Prev: a.backToIntroduction},
		&flow.State{ID: models.StateDeploymentServerTimeout, Text: text(models.StateDeploymentServerTimeout), Prev: a.backToIntroduction},
		&flow.State{ID: models.StateDeploymentServerUnrecognizedInviteCode, Text: text(models.StateDeploymentServerUnrecognizedInviteCode), Next: a.tryInviteCode},
		&flow.State{ID: models.StateDeploymentServerInvalidPublicKey, Text: text(models.StateDeploymentServerInvalidPublicKey), Prev: a.backToIntroduction},
		&flow.State{ID: models.StateDeploymentServerSuccess, Text: text(models.StateDeploymentServerSuccess)},

		// Connection results.
		&flow.State{ID: models.StateGoodConnection, Text: text(models.StateGoodConnection), Next: goTo(models.StateReady)},
		&flow.State{ID: models.StateLatencyConnection, Text: text(models.StateLatencyConnection), Next: goTo(models.StateReady)},
		&flow.State{ID: models.StateSyncConnection, Text: text(models.StateSyncConnection), Next: goTo(models.StateReady)},
		&flow.State{ID: models.StateLatencyAndSyncConnection, Text: text(models.StateLatencyAndSyncConnection), Next: goTo(models.StateReady)},
		&flow.State{ID: models.StateReady, Text: text(models.StateReady), OnEnter: a.prepareApp, Next: a.openApp},

		// Returning run.
		&flow.State{ID: models.StateNormalStart, Text: text(models.StateNormalStart)},
		&flow.State{ID: models.StateNormalStartTimeout, Text: text(models.StateNormalStartTimeout)},
		&flow.State{ID: models.StateNormalLatency, Text: text(models.StateNormalLatency), Next: goTo(models.StateReady)},
		&flow.State{ID: models.StateNormalLatencyAndSync, Text: text(models.StateNormalLatencyAndSync), Next: goTo(models.StateReady)},
		&flow.State{ID: models.StateNormalStartupFailure, Text: text(models.StateNormalStartupFailure)},
	)
}

func (a *Assistant) introductionNext() {
	if a.cfg.ManualNode {
		a.machine.Display(models.StateGetURL)
		return
	}
	a.machine.Display(models.StateInviteCodeGet)
}

// backToIntroduction abandons whatever is in flight and restarts the
// conversation.
func (a *Assistant) backToIntroduction() {
	if a.provisioner != nil {
		a.provisioner.Abort()
	}
	a.timers.Cancel(models.PhaseURLProbe)
	a.timers.Cancel(models.PhaseDispatch)
	a.timers.Cancel(models.PhaseDeployment)
	a.machine.Display(models.StateIntroduction)
}
