// Package chat implements the session broadcast engine: per-session ordered
// message logs, the fan-out hub that delivers appended messages to live
// subscribers, and the coordinator that ties sessions, membership, and
// authorization together.
package chat

import "errors"

var (
	// ErrSessionNotFound means no session exists with the given id.
	ErrSessionNotFound = errors.New("chat: session not found")

	// ErrNotMember means the identity is authenticated but not a member of
	// the session it tried to act on.
	ErrNotMember = errors.New("chat: not a session member")

	// ErrTooOld means the requested resume point predates the log's
	// retained window; the client must resync from scratch.
	ErrTooOld = errors.New("chat: sequence no longer retained")

	// ErrBlocked means the content screen rejected the message body. The
	// message consumed no sequence number.
	ErrBlocked = errors.New("chat: message blocked")
)

// Message is a single chat message. It is immutable once appended; Seq is
// assigned by the log at append time and is unique and strictly increasing
// within a session.
type Message struct {
	Seq       uint64 `json:"seq"`
	SessionID string `json:"session_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	Ts        int64  `json:"ts"` // unix milliseconds
}
