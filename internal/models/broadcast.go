package models

import "time"

// ScheduledBroadcast statuses form a one-way state machine advanced only by
// the scheduler worker: pending → processing → sent|failed.
const (
	BroadcastPending    = "pending"
	BroadcastProcessing = "processing"
	BroadcastSent       = "sent"
	BroadcastFailed     = "failed"
)

// ScheduledBroadcast is a queued bulk send created by the dashboard layer.
// RecipientIDs is a JSON array of customer IDs; Template may reference
// {name} and any key from the customer's AdditionalData blob.
type ScheduledBroadcast struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	UserID       uint      `gorm:"not null;index"`
	RecipientIDs string    `gorm:"type:json;not null"`
	Template     string    `gorm:"type:text;not null"`
	ScheduledAt  time.Time `gorm:"index"`
	Status       string    `gorm:"size:16;default:pending;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
