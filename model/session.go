package model

import "time"

type SessionStatus string

const (
	SESSION_ACTIVE    SessionStatus = "active"
	SESSION_PAUSED    SessionStatus = "paused"
	SESSION_COMPLETED SessionStatus = "completed"
	SESSION_EXPIRED   SessionStatus = "expired"
)

// FlowSession is one contact's live execution state against one flow. It is
// the only shared mutable resource in the core: mutated exclusively while
// holding the processing lock.
type FlowSession struct {
	Id                string         `json:"id"`
	FlowId            string         `json:"flowId"`
	ContactId         string         `json:"contactId"`
	ChannelInstanceId string         `json:"channelInstanceId"`
	Owner             string         `json:"owner"`
	CurrentNodeId     string         `json:"currentNodeId,omitempty"`
	Variables         map[string]any `json:"variables"`
	Status            SessionStatus  `json:"status"`
	StartedAt         time.Time      `json:"startedAt"`
	LastInteractionAt time.Time      `json:"lastInteractionAt"`

	// Processing lock. ProcessingToken identifies the acquisition so a save
	// racing a reaper force-release can detect it no longer owns the row.
	Processing          bool       `json:"processing"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	ProcessingToken     string     `json:"processingToken,omitempty"`

	// TimeoutAt is set while parked at a waitInput/menu node with a patience
	// window; the timeout poller discovers it with a due-scan.
	TimeoutAt    *time.Time `json:"timeoutAt,omitempty"`
	WaitingInput bool       `json:"waitingInput"`

	// DelayUntil is set while parked at a delay node, waiting for its delay
	// job to fire. It also disambiguates the paused status: paused with
	// DelayUntil set is a live session sleeping on a delay, paused without it
	// is an administrative stop that only a manual resume wakes.
	DelayUntil *time.Time `json:"delayUntil,omitempty"`

	// FaultCount is consecutive failures at the current node; reset on any
	// successful advance. FaultReason is set when the session expires.
	FaultCount  int    `json:"faultCount"`
	FaultReason string `json:"faultReason,omitempty"`
}

func (s *FlowSession) Terminal() bool {
	return s.Status == SESSION_COMPLETED || s.Status == SESSION_EXPIRED
}

// Clone returns a deep-enough copy for the interpreter to mutate without
// touching the caller's session (variables map included).
func (s *FlowSession) Clone() *FlowSession {
	c := *s
	c.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		c.Variables[k] = v
	}
	if s.ProcessingStartedAt != nil {
		t := *s.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if s.TimeoutAt != nil {
		t := *s.TimeoutAt
		c.TimeoutAt = &t
	}
	if s.DelayUntil != nil {
		t := *s.DelayUntil
		c.DelayUntil = &t
	}
	return &c
}

type DelayJobStatus string

const (
	DELAY_JOB_SCHEDULED DelayJobStatus = "scheduled"
	DELAY_JOB_FIRED     DelayJobStatus = "fired"
	DELAY_JOB_CANCELLED DelayJobStatus = "cancelled"
)

// DelayJob is a durable "wake this session at RunAt" record. At most one
// scheduled job exists per session; scheduling again replaces the prior one.
type DelayJob struct {
	Id        string         `json:"id"`
	SessionId string         `json:"sessionId"`
	RunAt     time.Time      `json:"runAt"`
	Status    DelayJobStatus `json:"status"`
}
