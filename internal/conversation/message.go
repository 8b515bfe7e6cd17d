package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/gpplus-voice/internal/responder"
)

// Author identifies who wrote a message
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

// Message is one chat bubble. Messages are immutable once appended.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Author    Author    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func newMessage(author Author, text string) Message {
	return Message{
		ID:        uuid.New(),
		Author:    author,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

// Seed is a message posted when a session opens
type Seed struct {
	Author Author
	Text   string
}

// DemoSeed is the sample exchange shown on a fresh chat screen
var DemoSeed = []Seed{
	{Author: AuthorUser, Text: "I have a fever and a bad headache."},
	{Author: AuthorAssistant, Text: responder.ThroatReply},
}
