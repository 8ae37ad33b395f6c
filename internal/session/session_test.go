package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeMessages(t *testing.T) {
	asked := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ex := Exchange{Question: "hi", Answer: "Hello", AskedAt: asked, AnsweredAt: asked.Add(time.Second)}

	msgs := ex.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Role: RoleUser, Content: "hi", Timestamp: asked}, msgs[0])
	assert.Equal(t, Message{Role: RoleAssistant, Content: "Hello", Timestamp: asked.Add(time.Second)}, msgs[1])
}

func TestSessionExchanges(t *testing.T) {
	now := time.Now()
	s := &Session{ID: "abc", Messages: []Message{
		{Role: RoleAssistant, Content: "welcome", Timestamp: now},
		{Role: RoleUser, Content: "q1", Timestamp: now},
		{Role: RoleAssistant, Content: "a1", Timestamp: now},
		{Role: RoleUser, Content: "q2", Timestamp: now},
		{Role: RoleAssistant, Content: "a2", Timestamp: now},
		{Role: RoleUser, Content: "dangling", Timestamp: now},
	}}

	exchanges := s.Exchanges()
	require.Len(t, exchanges, 2)
	assert.Equal(t, "q1", exchanges[0].Question)
	assert.Equal(t, "a1", exchanges[0].Answer)
	assert.Equal(t, "q2", exchanges[1].Question)
	assert.Equal(t, "a2", exchanges[1].Answer)
}
