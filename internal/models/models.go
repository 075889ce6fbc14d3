package models

import (
	"fmt"
	"time"
)

// SyncStatus is the connection state reported by the blockchain node client.
// Values are ordered; every status at or above SyncStatusConnected means the
// node is answering.
type SyncStatus int

const (
	SyncStatusIdle                 SyncStatus = 0
	SyncStatusWaitingForConnection SyncStatus = 1
	SyncStatusRecoveringConnection SyncStatus = 2
	// SyncStatusConnected is a threshold and is never reported on its own.
	SyncStatusConnected         SyncStatus = 7
	SyncStatusSynchronized      SyncStatus = 8
	SyncStatusSynchronizedStale SyncStatus = 9
)

// IsConnected reports whether the node is answering requests.
func (s SyncStatus) IsConnected() bool {
	return s >= SyncStatusConnected
}

// IsStale reports whether the node answers but its head block is old.
func (s SyncStatus) IsStale() bool {
	return s == SyncStatusSynchronizedStale
}

func (s SyncStatus) String() string {
	switch s {
	case SyncStatusIdle:
		return "idle"
	case SyncStatusWaitingForConnection:
		return "waitingForConnection"
	case SyncStatusRecoveringConnection:
		return "recoveringConnection"
	case SyncStatusConnected:
		return "connected"
	case SyncStatusSynchronized:
		return "synchronized"
	case SyncStatusSynchronizedStale:
		return "synchronizedStale"
	default:
		return fmt.Sprintf("SyncStatus(%d)", int(s))
	}
}

// ErrorKind classifies a provisioning failure for the dialog.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindConnectionFailed
	ErrorKindTimeout
	ErrorKindInviteRejected
	ErrorKindUpstreamUnresponsive
	ErrorKindInvalidPublicKey
	// ErrorKindMalformedResponse covers a session that ended after a partial answer.
	ErrorKindMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindConnectionFailed:
		return "connectionFailed"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindInviteRejected:
		return "inviteRejected"
	case ErrorKindUpstreamUnresponsive:
		return "upstreamUnresponsive"
	case ErrorKindInvalidPublicKey:
		return "invalidPublicKey"
	case ErrorKindMalformedResponse:
		return "malformedResponse"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Node error codes below zero describe transport failures; positive codes
// are HTTP status codes.
const (
	NodeErrorConnectionRefused = -2
	NodeErrorProtocolUnknown   = -1
	NodeErrorOther             = 0
)

// NodeError is a failed request to the blockchain node.
type NodeError struct {
	Code  int
	Cause error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("node request failed with code %d: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("node request failed with code %d", e.Code)
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}

// IsHTTPStatus reports whether the code came from an HTTP response.
func (e *NodeError) IsHTTPStatus() bool {
	return IsHTTPStatus(e.Code)
}

// IsHTTPStatus reports whether a node error code is an HTTP status rather
// than one of the NodeError* transport codes.
func IsHTTPStatus(code int) bool {
	return code > 0
}

// TimerInfo describes a pending phase timeout.
type TimerInfo struct {
	ID          string    `json:"id"`
	Phase       Phase     `json:"phase"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description"`
}
