package sessions

// GroupActivation controls when a group session's agent responds.
type GroupActivation string

const (
	ActivationMention GroupActivation = "mention"
	ActivationAlways  GroupActivation = "always"
)

// SendPolicy gates outbound delivery for a session.
type SendPolicy string

const (
	SendAllow SendPolicy = "allow"
	SendDeny  SendPolicy = "deny"
)

// QueueMode selects how new runs interact with a session's active run.
// Only "queue" (FIFO) and "interrupt" are wired; the rest are accepted
// and persisted but treated as "queue".
type QueueMode string

const (
	QueueModeQueue     QueueMode = "queue"
	QueueModeSteer     QueueMode = "steer"
	QueueModeFollowup  QueueMode = "followup"
	QueueModeCollect   QueueMode = "collect"
	QueueModeInterrupt QueueMode = "interrupt"
)

// QueueDrop selects which runs to shed when a session queue overflows.
type QueueDrop string

const (
	QueueDropOld       QueueDrop = "old"
	QueueDropNew       QueueDrop = "new"
	QueueDropSummarize QueueDrop = "summarize"
)

// DeliveryContext records where a session's replies should be sent.
type DeliveryContext struct {
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

// SkillInfo is one enabled skill, as snapshotted onto a session.
type SkillInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

// Entry is the persistent per-session record addressed by SessionKey.
//
// Invariants: SessionID never changes after first write; UpdatedAt is
// monotone non-decreasing per key; TotalTokens == InputTokens +
// OutputTokens when both are present; SpawnDepth equals the chain length
// to the root session.
type Entry struct {
	SessionID string `json:"sessionId"`
	UpdatedAt int64  `json:"updatedAt"` // unix ms
	SpawnedBy string `json:"spawnedBy,omitempty"`

	InputTokens     int64 `json:"inputTokens,omitempty"`
	OutputTokens    int64 `json:"outputTokens,omitempty"`
	TotalTokens     int64 `json:"totalTokens,omitempty"`
	ContextTokens   int64 `json:"contextTokens,omitempty"`
	CompactionCount int   `json:"compactionCount,omitempty"`

	ModelProvider    string `json:"modelProvider,omitempty"`
	Model            string `json:"model,omitempty"`
	ProviderOverride string `json:"providerOverride,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`

	ThinkingLevel   string          `json:"thinkingLevel,omitempty"`
	VerboseLevel    string          `json:"verboseLevel,omitempty"`
	ReasoningLevel  string          `json:"reasoningLevel,omitempty"`
	ElevatedLevel   string          `json:"elevatedLevel,omitempty"`
	ChatType        string          `json:"chatType,omitempty"`
	GroupActivation GroupActivation `json:"groupActivation,omitempty"`
	SendPolicy      SendPolicy      `json:"sendPolicy,omitempty"`
	QueueMode       QueueMode       `json:"queueMode,omitempty"`
	QueueCap        int             `json:"queueCap,omitempty"`
	QueueDrop       QueueDrop       `json:"queueDrop,omitempty"`

	Channel       string `json:"channel,omitempty"`
	LastChannel   string `json:"lastChannel,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	LastThreadID  string `json:"lastThreadId,omitempty"`

	Delivery *DeliveryContext `json:"delivery,omitempty"`

	SkillsSnapshot     []SkillInfo `json:"skillsSnapshot,omitempty"`
	SystemPromptReport string      `json:"systemPromptReport,omitempty"`

	SpawnDepth int `json:"spawnDepth"`
}

// AddUsage accumulates token counters, keeping TotalTokens consistent.
func (e *Entry) AddUsage(input, output int64) {
	e.InputTokens += input
	e.OutputTokens += output
	e.TotalTokens = e.InputTokens + e.OutputTokens
}

// Touch bumps UpdatedAt to now (ms), never moving it backwards.
func (e *Entry) Touch(nowMs int64) {
	if nowMs > e.UpdatedAt {
		e.UpdatedAt = nowMs
	}
}
