package models

import "time"

// Media kinds stored alongside inbox messages.
const (
	MediaNone  = ""
	MediaImage = "image"
	MediaVoice = "voice"
)

// Message is a normalized inbound message persisted by the pipeline.
// MediaPath is relative to the uploads root.
type Message struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	UserID     uint      `gorm:"not null;index"`
	Sender     string    `gorm:"size:64;not null;index"` // phone digits or JID
	SenderName string    `gorm:"size:128"`
	Body       string    `gorm:"type:text"`
	MediaPath  string    `gorm:"size:256"`
	MediaKind  string    `gorm:"size:16"`
	CreatedAt  time.Time
}

// SentMessage logs every outbound message the system sends on behalf of a
// user. Besides inbox continuity it backs the 5-second self-send dedup
// heuristic: a message echoed back by the transport is only re-logged when
// no matching row exists in the trailing window.
type SentMessage struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    uint      `gorm:"not null;index"`
	Recipient string    `gorm:"size:64;not null;index"`
	Body      string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// AutoReply is a keyword → reply rule configured per user. Matching is a
// case-insensitive substring test against the inbound text.
type AutoReply struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    uint      `gorm:"not null;index"`
	Keyword   string    `gorm:"size:128;not null"`
	Reply     string    `gorm:"type:text;not null"`
	Active    bool      `gorm:"default:true"`
	CreatedAt time.Time
}
