package session

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single chat message
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Exchange is one question and the answer streamed back for it.
type Exchange struct {
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	AskedAt    time.Time `json:"asked_at"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Messages flattens the exchange into its user and assistant messages.
func (e Exchange) Messages() []Message {
	return []Message{
		{Role: RoleUser, Content: e.Question, Timestamp: e.AskedAt},
		{Role: RoleAssistant, Content: e.Answer, Timestamp: e.AnsweredAt},
	}
}

// Session represents a chat session. ID is assigned by the server and stays
// empty until the first handshake completes.
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	Server    string    `json:"server"`
	Messages  []Message `json:"messages"`
}

// Exchanges pairs each user message with the assistant message that follows
// it. A trailing unanswered question is dropped.
func (s *Session) Exchanges() []Exchange {
	var out []Exchange
	for i := 0; i+1 < len(s.Messages); i++ {
		q, a := s.Messages[i], s.Messages[i+1]
		if q.Role != RoleUser || a.Role != RoleAssistant {
			continue
		}
		out = append(out, Exchange{
			Question:   q.Content,
			Answer:     a.Content,
			AskedAt:    q.Timestamp,
			AnsweredAt: a.Timestamp,
		})
		i++
	}
	return out
}
