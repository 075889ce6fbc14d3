// Package models defines shared types to avoid circular imports.
package models

// StateID identifies a dialog state in the onboarding conversation.
type StateID string

// Phase names an asynchronous operation that owns a pending timeout.
type Phase string

// SettingKey is a key in the persisted settings record.
type SettingKey string

// Phase constants. At most one timeout is pending per phase.
const (
	PhaseURLProbe     Phase = "urlProbe"
	PhaseDispatch     Phase = "dispatch"
	PhaseDeployment   Phase = "deployment"
	PhaseChainConnect Phase = "chainConnect"
)

// Setting keys persisted across runs.
const (
	SettingBlockchainNodeURL  SettingKey = "blockchainNodeUrl"
	SettingVoterPublicKey     SettingKey = "voterPublicKey"
	SettingInviteCode         SettingKey = "inviteCode"
	SettingDeploymentLocation SettingKey = "deploymentLocation"
	SettingDeploymentKey      SettingKey = "deploymentKey"
	SettingVoterName          SettingKey = "voterName"
)

// Dialog state constants.
const (
	StateStartupFailed StateID = "startupFailed"
	StateIntroduction  StateID = "introduction"

	// Manual node address entry.
	StateGetURL     StateID = "getUrl"
	StateBadURL     StateID = "badUrl"
	StateTryingURL  StateID = "tryingUrl"
	StateFailedURL  StateID = "failedUrl"
	StateTimeoutURL StateID = "timeoutUrl"

	// Invite code entry and provisioning.
	StateInviteCodeGet                               StateID = "inviteCodeGet"
	StateInviteCodeMalformed                         StateID = "inviteCodeMalformed"
	StateDispatchServerTrying                        StateID = "dispatchServerTrying"
	StateDispatchServerConnectionFailure             StateID = "dispatchServerConnectionFailure"
	StateDispatchServerTimeout                       StateID = "dispatchServerTimeout"
	StateDispatchServerReportsUnresponsiveDeployment StateID = "dispatchServerReportsUnresponsiveDeploymentServer"
	StateDispatchServerUnrecognizedInviteCode        StateID = "dispatchServerUnrecognizedInviteCode"
	StateDeploymentServerTrying                      StateID = "deploymentServerTrying"
	StateDeploymentServerConnectionFailure           StateID = "deploymentServerConnectionFailure"
	StateDeploymentServerTimeout                     StateID = "deploymentServerTimeout"
	StateDeploymentServerUnrecognizedInviteCode      StateID = "deploymentServerUnrecognizedInviteCode"
	StateDeploymentServerInvalidPublicKey            StateID = "deploymentServerInvalidPublicKey"
	StateDeploymentServerSuccess                     StateID = "deploymentServerSuccess"

	// First-run connection results.
	StateGoodConnection           StateID = "goodConnection"
	StateLatencyConnection        StateID = "latencyConnection"
	StateSyncConnection           StateID = "syncConnection"
	StateLatencyAndSyncConnection StateID = "latencyAndSyncConnection"
	StateReady                    StateID = "ready"

	// Returning run.
	StateNormalStart          StateID = "normalStart"
	StateNormalStartTimeout   StateID = "normalStartTimeout"
	StateNormalLatency        StateID = "normalLatency"
	StateNormalLatencyAndSync StateID = "normalLatencyAndSync"
	StateNormalStartupFailure StateID = "normalStartupFailure"
)
