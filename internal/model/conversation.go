package model

import "time"

type Conversation struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Files     []string  `gorm:"serializer:json;type:text" json:"files"`
	CreatedAt time.Time `json:"created_at"`
}
