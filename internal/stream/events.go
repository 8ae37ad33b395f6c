package stream

import (
	"time"

	"sagechat/internal/protocol"
	"sagechat/internal/session"
)

// Event is a typed notification delivered to an Observer.
type Event interface {
	event()
}

// StateChanged fires on every lifecycle transition.
type StateChanged struct {
	From State
	To   State
}

// Initialized fires when the server acknowledges the handshake.
type Initialized struct {
	SessionID     string
	Message       string
	KnowledgeBase *protocol.KBStats
}

// Searching carries the server's progress note while it retrieves context.
type Searching struct {
	Message string
}

// TokenReceived carries one streamed token and the text assembled so far.
type TokenReceived struct {
	Token string
	Text  string
}

// Completed fires once per answered question.
type Completed struct {
	Exchange   session.Exchange
	SessionID  string
	NewSession bool          // the server assigned a different session id
	ServerTime time.Duration // processing time reported by the server, if any
}

// Failed reports a server error event or an aborted exchange. Question is
// empty when no exchange was pending.
type Failed struct {
	Question string
	Err      error
}

// ReconnectScheduled fires after an abnormal close when another attempt is
// queued.
type ReconnectScheduled struct {
	Attempt int
	Delay   time.Duration
}

// GaveUp fires when the reconnect budget is spent. The client stays
// disconnected until Open is called again.
type GaveUp struct {
	Attempts int
}

func (StateChanged) event()       {}
func (Initialized) event()        {}
func (Searching) event()          {}
func (TokenReceived) event()      {}
func (Completed) event()          {}
func (Failed) event()             {}
func (ReconnectScheduled) event() {}
func (GaveUp) event()             {}

// Observer receives client events. OnEvent is called without the client's
// lock held, so it may call back into the client, but it runs on the
// connection's reader goroutine and should not block.
type Observer interface {
	OnEvent(Event)
}

type nopObserver struct{}

func (nopObserver) OnEvent(Event) {}
