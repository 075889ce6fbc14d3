package provision

import "github.com/FollowMyVote/assistant/internal/models"

// Stage is the exchange a provisioning attempt is in.
type Stage int

const (
	StageIdle Stage = iota
	StageDispatch
	StageDeployment
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageDispatch:
		return "dispatch"
	case StageDeployment:
		return "deployment"
	case StageDone:
		return "done"
	default:
		return "idle"
	}
}

func (s Stage) phase() models.Phase {
	if s == StageDeployment {
		return models.PhaseDeployment
	}
	return models.PhaseDispatch
}

// Progress counts the response lines accepted in the current exchange.
type Progress int

const (
	AwaitingFirstLine Progress = iota
	AwaitingSecondLine
	Complete
)

// Session is the state of one provisioning attempt.
type Session struct {
	AttemptID          string
	Stage              Stage
	Progress           Progress
	InviteCode         string
	VoterKey           string
	DeploymentLocation string
	DeploymentKey      string
	VoterName          string
	NodeURL            string
	Handshaken         bool
	// Failed is set once the current stage reported a terminal outcome.
	Failed bool
}
