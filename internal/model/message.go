package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is an append-only history entry. FileName is set on the user
// message that carried an upload.
type Message struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string    `gorm:"size:36;not null;index" json:"conversation_id"`
	Role           string    `gorm:"size:16;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	FileName       *string   `gorm:"size:255" json:"file_name,omitempty"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}
