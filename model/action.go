package model

import "time"

type ActionKind string

const (
	ACTION_SEND_MESSAGE   ActionKind = "send_message"
	ACTION_SCHEDULE_DELAY ActionKind = "schedule_delay"
	ACTION_CALL_AI        ActionKind = "call_ai"
	ACTION_CALL_WEBHOOK   ActionKind = "call_webhook"
	ACTION_APPLY_TAG      ActionKind = "apply_tag"
	ACTION_TRANSFER       ActionKind = "transfer"
)

// Action is a side-effecting intent emitted by the interpreter and carried
// out by the dispatcher. Exactly one payload pointer is set, per Kind.
// AwaitResult marks the suspend-point actions (ai, webhook) whose result must
// be fed back into a second Advance call before the session moves on.
type Action struct {
	Kind        ActionKind
	NodeId      string
	AwaitResult bool

	SendMessage   *SendMessageAction
	ScheduleDelay *ScheduleDelayAction
	CallAI        *CallAIAction
	CallWebhook   *CallWebhookAction
	ApplyTag      *ApplyTagAction
	Transfer      *TransferAction
}

type SendMessageAction struct {
	ChannelInstanceId string
	ContactId         string
	Content           string
	MediaURL          string
}

type ScheduleDelayAction struct {
	RunAt time.Time
}

type CallAIAction struct {
	Prompt         string
	OutputVariable string
}

type CallWebhookAction struct {
	URL     string
	Method  string
	Payload map[string]any
}

type ApplyTagAction struct {
	ContactId string
	TagId     string
}

type TransferAction struct {
	ContactId         string
	ChannelInstanceId string
	Department        string
	Note              string
}

// ActionResult is the dispatcher's report for one action. Retryable is only
// meaningful when Ok is false: true means the failure was transient and the
// session may be retried at the same node, false means the provider rejected
// permanently.
type ActionResult struct {
	NodeId    string
	Kind      ActionKind
	Ok        bool
	Retryable bool
	Output    string
	Variables map[string]any
	Err       string
}
