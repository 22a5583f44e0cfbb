package protocol

// RPC method name constants.

// Core chat + session methods.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodPing    = "ping"
	MethodStatus  = "status"

	MethodChatSend    = "chat.send"
	MethodChatAbort   = "chat.abort"
	MethodChatHistory = "chat.history"
	MethodChatInject  = "chat.inject"

	MethodSessionsList   = "sessions.list"
	MethodSessionsSpawn  = "sessions.spawn"
	MethodSessionsPatch  = "sessions.patch"
	MethodSessionsReset  = "sessions.reset"
	MethodSessionsDelete = "sessions.delete"
)

// Cron methods.
const (
	MethodCronAdd    = "cron.add"
	MethodCronRemove = "cron.remove"
	MethodCronList   = "cron.list"
	MethodCronUpdate = "cron.update"
	MethodCronToggle = "cron.toggle"
	MethodCronRun    = "cron.run"
	MethodCronRuns   = "cron.runs"
)

// Channel + config methods.
const (
	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"

	MethodConfigGet = "config.get"

	MethodEventReplay = "event.replay"
)

// preAuthMethods may be called before a successful connect.
var preAuthMethods = map[string]bool{
	MethodConnect: true,
	MethodHealth:  true,
	MethodPing:    true,
}

// AllowedBeforeAuth reports whether a method may run on an
// unauthenticated connection.
func AllowedBeforeAuth(method string) bool { return preAuthMethods[method] }

// idempotentMethods participate in the idempotency-key dedupe cache.
// Non-idempotent methods (chat.abort, sessions.delete) always execute.
var idempotentMethods = map[string]bool{
	MethodChatSend:      true,
	MethodCronAdd:       true,
	MethodSessionsSpawn: true,
}

// Idempotent reports whether a method's results may be served from the
// dedupe cache.
func Idempotent(method string) bool { return idempotentMethods[method] }
