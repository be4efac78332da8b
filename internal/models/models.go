// Package models holds the typed rows returned by the repositories. Relation
// fields are only populated when the caller asks for them with include or
// select; Count carries requested relation counts.
package models

import (
	"encoding/json"
	"time"
)

// User is the root tenant entity.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"password"`
	Name      *string   `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Chatbots     []Chatbot        `json:"chatbots,omitempty"`
	Integrations []Integration    `json:"integrations,omitempty"`
	Analytics    []Analytics      `json:"analytics,omitempty"`
	Count        map[string]int64 `json:"_count,omitempty"`
}

type Chatbot struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	UserID      int64     `json:"userId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	User             *User                 `json:"user,omitempty"`
	Conversations    []Conversation        `json:"conversations,omitempty"`
	Integrations     []Integration         `json:"integrations,omitempty"`
	MessageTemplates []MessageTemplate     `json:"messageTemplates,omitempty"`
	Customization    *ChatbotCustomization `json:"customization,omitempty"`
	Flows            []Flow                `json:"flows,omitempty"`
	Analytics        []Analytics           `json:"analytics,omitempty"`
	Count            map[string]int64      `json:"_count,omitempty"`
}

type Conversation struct {
	ID        int64     `json:"id"`
	ChatbotID int64     `json:"chatbotId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Chatbot  *Chatbot         `json:"chatbot,omitempty"`
	Messages []Message        `json:"messages,omitempty"`
	Count    map[string]int64 `json:"_count,omitempty"`
}

// Message is immutable once created.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Content        string    `json:"content"`
	Sender         string    `json:"sender"`
	CreatedAt      time.Time `json:"createdAt"`

	Conversation *Conversation `json:"conversation,omitempty"`
}

// Integration is user scoped and optionally bound to one chatbot.
type Integration struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"userId"`
	Type      string          `json:"type"`
	Token     *string         `json:"token"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ChatbotID *int64          `json:"chatbotId"`

	User    *User    `json:"user,omitempty"`
	Chatbot *Chatbot `json:"chatbot,omitempty"`
}

type MessageTemplate struct {
	ID        int64     `json:"id"`
	ChatbotID int64     `json:"chatbotId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Chatbot *Chatbot `json:"chatbot,omitempty"`
}

// ChatbotCustomization is the 1:1 presentation settings of a chatbot.
type ChatbotCustomization struct {
	ID          int64           `json:"id"`
	ChatbotID   int64           `json:"chatbotId"`
	Name        *string         `json:"name"`
	Avatar      *string         `json:"avatar"`
	Greeting    *string         `json:"greeting"`
	Personality *string         `json:"personality"`
	Tone        *string         `json:"tone"`
	Language    *string         `json:"language"`
	Config      json.RawMessage `json:"config"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`

	Chatbot *Chatbot `json:"chatbot,omitempty"`
}

type Flow struct {
	ID        int64           `json:"id"`
	ChatbotID int64           `json:"chatbotId"`
	Name      string          `json:"name"`
	Steps     json.RawMessage `json:"steps"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`

	Chatbot *Chatbot `json:"chatbot,omitempty"`
}

// Analytics is a single tracked event. UserID is nil for anonymous events.
type Analytics struct {
	ID        int64     `json:"id"`
	ChatbotID int64     `json:"chatbotId"`
	UserID    *int64    `json:"userId"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`

	Chatbot *Chatbot `json:"chatbot,omitempty"`
	User    *User    `json:"user,omitempty"`
}
