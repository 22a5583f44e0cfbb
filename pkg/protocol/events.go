package protocol

// WebSocket event names pushed from server to client.
const (
	EventConnectChallenge = "connect.challenge"
	EventPresence         = "presence"
	EventTick             = "tick"
	EventShutdown         = "shutdown"

	EventChatStarted   = "chat.started"
	EventChatDelta     = "chat.delta"
	EventChatThinking  = "chat.thinking"
	EventChatToolStart = "chat.tool_start"
	EventChatToolEnd   = "chat.tool_end"
	EventChatFinal     = "chat.final"
	EventChatAborted   = "chat.aborted"
	EventChatError     = "chat.error"

	EventCronFired   = "cron.fired"
	EventSystemEvent = "system.event"

	EventAgent = "agent"
	EventChat  = "chat"
	EventCron  = "cron"

	EventNodePairRequested = "node.pair.requested"
	EventNodePairResolved  = "node.pair.resolved"
	EventDevicePairReq     = "device.pair.requested"
	EventDevicePairRes     = "device.pair.resolved"
	EventExecApprovalReq   = "exec.approval.requested"
	EventExecApprovalRes   = "exec.approval.resolved"
)

// Chat event payload shapes. Kept here so server and CLI client agree on
// field names without re-declaring maps at every call site.

type ChatStartedPayload struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
}

type ChatDeltaPayload struct {
	RunID string `json:"runId"`
	Text  string `json:"text"`
}

type ChatToolStartPayload struct {
	RunID      string         `json:"runId"`
	ToolCallID string         `json:"toolCallId"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

type ChatToolEndPayload struct {
	RunID      string `json:"runId"`
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

type ChatFinalPayload struct {
	RunID      string      `json:"runId"`
	SessionKey string      `json:"sessionKey,omitempty"`
	Message    ChatMessage `json:"message"`
	Usage      ChatUsage   `json:"usage"`
	StopReason string      `json:"stopReason"`
}

type ChatAbortedPayload struct {
	RunID string `json:"runId"`
}

type ChatErrorPayload struct {
	RunID   string `json:"runId"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type CronFiredPayload struct {
	JobID string `json:"jobId"`
	RunID string `json:"runId,omitempty"`
}

type SystemEventPayload struct {
	Text string `json:"text"`
}
