package fabric

import "errors"

var (
	// Queue errors.
	ErrQueueClosed         = errors.New("fabric: task queue closed")
	ErrTaskNotFound        = errors.New("fabric: task not found")
	ErrTaskNotTerminal     = errors.New("fabric: task is not in a terminal state")
	ErrMaxAttemptsExceeded = errors.New("fabric: max attempts exceeded")
	ErrRateLimited         = errors.New("fabric: task intake rate limited")
	ErrNoHandler           = errors.New("fabric: no handler registered for task type")

	// Node errors.
	ErrNodeNotFound     = errors.New("fabric: node not found")
	ErrNodeShutdown     = errors.New("fabric: node is shut down")
	ErrNoCoordinator    = errors.New("fabric: no coordinator available")
	ErrAlreadyStarted   = errors.New("fabric: already started")
	ErrInvalidState     = errors.New("fabric: invalid state transition")
	ErrPeerNotConnected = errors.New("fabric: peer not connected")

	// Service errors.
	ErrServiceNotFound  = errors.New("fabric: service not found")
	ErrServiceExists    = errors.New("fabric: service already registered")
	ErrMemberNotFound   = errors.New("fabric: member node not found")
	ErrInviteRejected   = errors.New("fabric: service invitation rejected")
	ErrNotCoordinator   = errors.New("fabric: node is not a coordinator")
	ErrNoQualifyingPeer = errors.New("fabric: no peer satisfies the capability requirements")

	// Schedule errors.
	ErrScheduleNotFound  = errors.New("fabric: schedule entry not found")
	ErrDuplicateSchedule = errors.New("fabric: duplicate schedule entry")

	// History errors.
	ErrHistoryNotFound = errors.New("fabric: history entry not found")
	ErrNotReplayable   = errors.New("fabric: only failed, timed-out, or cancelled tasks can be replayed")
)
