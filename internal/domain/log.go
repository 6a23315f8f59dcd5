package domain

import "time"

// Stream tags the origin of a log entry.
type Stream string

// Log streams.
const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
	StreamInput  Stream = "input"
)

// LogEntry is one emitted chunk of output or orchestrator narration. Message
// is not necessarily newline terminated.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Stream    Stream    `json:"stream"`
	Message   string    `json:"message"`
}
