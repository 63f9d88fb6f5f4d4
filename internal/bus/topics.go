package bus

import "time"

// Session event topics. Per-session topics are built with SessionTopic
// (by session id) and SessionKeyTopic (by session key); consumers that
// want everything for one session subscribe to the prefix.
const (
	TopicSessionPrefix = "session."
	TopicKeyPrefix     = "key."

	EventChunk       = "chunk"
	EventStatus      = "status"
	EventAsyncResult = "async_result"
	EventSubagent    = "subagent"
)

// Lifecycle statuses carried by StatusEvent.
const (
	StatusInferring = "inferring"
	StatusToolStart = "tool_start"
	StatusToolDone  = "tool_done"
	StatusDone      = "done"
	StatusError     = "error"
)

// SessionTopic returns the topic for one event kind on a session id,
// e.g. "session.<id>.chunk".
func SessionTopic(sessionID, kind string) string {
	return TopicSessionPrefix + sessionID + "." + kind
}

// SessionPrefix returns the prefix matching all events for a session id.
func SessionPrefix(sessionID string) string {
	return TopicSessionPrefix + sessionID + "."
}

// SessionKeyTopic returns the topic for one event kind on a session key,
// e.g. "key.telegram:42.subagent".
func SessionKeyTopic(sessionKey, kind string) string {
	return TopicKeyPrefix + sessionKey + "." + kind
}

// ChunkEvent is a streaming delta produced during a turn.
type ChunkEvent struct {
	SessionID string
	Delta     string
}

// StatusEvent reports turn lifecycle transitions.
type StatusEvent struct {
	SessionID string
	Status    string // one of the Status* constants
	Detail    string // tool name, error string, etc.
}

// AsyncResultEvent carries the final outcome of a detached send.
type AsyncResultEvent struct {
	SessionID string
	Reply     string
	Err       string
	Duration  time.Duration
}

// SubagentEvent announces completion of a spawned child session.
type SubagentEvent struct {
	ChildKey  string
	ParentKey string
	Label     string
	Status    string // "ok" or "error"
	Result    string // truncated reply or error string
	Duration  time.Duration
}
