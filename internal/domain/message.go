package domain

import "time"

// Message is a single persisted conversation message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	ContentType    string
	CreatedAt      time.Time
}
