package models

import "time"

type SendStatus string

const (
	SendSent       SendStatus = "sent"
	SendBounced    SendStatus = "bounced"
	SendOpened     SendStatus = "opened"
	SendClicked    SendStatus = "clicked"
	SendComplained SendStatus = "complained"
)

type Send struct {
	ID           string     `json:"id"`
	ContactID    string     `json:"contact_id"`
	Tier         string     `json:"tier"`
	SequenceStep int        `json:"sequence_step"`
	TemplateID   string     `json:"template_id"`
	Subject      string     `json:"subject"`
	MessageID    string     `json:"message_id"`
	ThreadID     string     `json:"thread_id"`
	Status       SendStatus `json:"status"`
	SentAt       time.Time  `json:"sent_at"`
}

type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

type Bounce struct {
	ID         string     `json:"id"`
	ContactID  string     `json:"contact_id"`
	SendID     string     `json:"send_id,omitempty"`
	BounceType BounceType `json:"bounce_type"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
}

type Unsubscribe struct {
	Email     string    `json:"email"`
	Reason    string    `json:"reason,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}
