package model

import "time"

type TriggerKind string

const (
	TRIGGER_INBOUND_MESSAGE TriggerKind = "inbound_message"
	TRIGGER_TIMER_FIRED     TriggerKind = "timer_fired"
	TRIGGER_MANUAL_RESUME   TriggerKind = "manual_resume"
	// TRIGGER_DISPATCH_RESULT resumes a session suspended on an ai/webhook
	// action once the dispatcher reports its result. Internal to the engine.
	TRIGGER_DISPATCH_RESULT TriggerKind = "dispatch_result"
)

// Trigger is the event that causes the interpreter to evaluate a session.
type Trigger struct {
	Kind      TriggerKind
	Text      string
	MediaURL  string
	Timestamp time.Time
	Result    *ActionResult
}

func InboundMessageTrigger(text string, mediaURL string, ts time.Time) Trigger {
	return Trigger{Kind: TRIGGER_INBOUND_MESSAGE, Text: text, MediaURL: mediaURL, Timestamp: ts}
}

func TimerFiredTrigger() Trigger {
	return Trigger{Kind: TRIGGER_TIMER_FIRED}
}

func ManualResumeTrigger() Trigger {
	return Trigger{Kind: TRIGGER_MANUAL_RESUME}
}

func DispatchResultTrigger(res ActionResult) Trigger {
	return Trigger{Kind: TRIGGER_DISPATCH_RESULT, Result: &res}
}

// InboundEvent is what the messaging webhook receiver delivers to the engine.
type InboundEvent struct {
	ContactId         string    `json:"contactId"`
	ChannelInstanceId string    `json:"channelInstanceId"`
	Text              string    `json:"text,omitempty"`
	MediaURL          string    `json:"mediaUrl,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// SessionExecutionRequest carries a trigger from a poller to the execution
// worker pool.
type SessionExecutionRequest struct {
	SessionId string
	Trigger   Trigger
}
