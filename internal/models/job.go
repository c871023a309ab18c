package models

import "time"

// TransferJob statuses. "won" is deliberately not a job status: who won a job
// lives in the JobInteraction ledger so the job row itself is an immutable
// audit record of what was captured.
const (
	JobPending = "pending"
	JobCalled  = "called"
	JobIgnored = "ignored"
)

// Sentinel field values produced by the parser.
const (
	// TimeReady marks an immediately-available job.
	TimeReady = "HAZIR 🚨"
	// FromSwap replaces the pickup location on multi-leg/barter jobs, whose
	// real locations only exist in the raw message text.
	FromSwap = "ÇOKLU / TAKAS"
)

// TransferJob is a structured transfer/driver job captured from a classified
// ad. GroupJID empty means the ad arrived by direct message or was keyed in
// manually. Rows are never deleted.
type TransferJob struct {
	ID           uint       `gorm:"primaryKey;autoIncrement"`
	UserID       uint       `gorm:"not null;index"` // capturing account
	GroupJID     string     `gorm:"size:64;index"`
	GroupName    string     `gorm:"size:128"`
	SenderJID    string     `gorm:"size:64"`
	FromLocation string     `gorm:"size:128"`
	ToLocation   string     `gorm:"size:128"`
	Price        string     `gorm:"size:32"` // free text, digits when parsed
	Time         string     `gorm:"size:64"` // free text; TimeReady when immediate
	Phone        string     `gorm:"size:32"`
	RawMessage   string     `gorm:"type:text"`
	Status       string     `gorm:"size:16;default:pending;index"`
	IsHighReward bool       `gorm:"default:false"`
	IsSwap       bool       `gorm:"default:false"`
	CreatedAt    time.Time  `gorm:"index"`
	CompletedAt  *time.Time
}

// JobInteraction statuses.
const (
	InteractionCalled  = "called"
	InteractionIgnored = "ignored"
	InteractionWon     = "won"
)

// JobInteraction is the claim ledger. The composite unique index is the
// linchpin of the at-most-one-winner guarantee: a job is globally claimed
// once any row for its JobID reaches "won", and the winning write is an
// insert-or-update-on-conflict against this index.
type JobInteraction struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_user_job"`
	JobID     uint      `gorm:"not null;uniqueIndex:idx_user_job;index"`
	Status    string    `gorm:"size:16;not null"`
	CreatedAt time.Time `gorm:"index"`
}

// DriverFilter time modes.
const (
	TimeModeAll       = "all"
	TimeModeReady     = "ready"
	TimeModeScheduled = "scheduled"
)

// DriverFilter holds one user's saved job criteria. AutoPilot opts the user
// into unattended claiming; the matcher only ever loads autopilot rows.
// Region lists are JSON arrays of canonical region names from the gazetteer.
type DriverFilter struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	UserID      uint      `gorm:"not null;uniqueIndex"`
	AutoPilot   bool      `gorm:"default:false;index"`
	MinPrice    int       `gorm:"default:0"`
	TimeMode    string    `gorm:"size:16;default:all"`
	WantSedan   bool      `gorm:"default:true"`
	WantMinibus bool      `gorm:"default:true"`
	WantVIP     bool      `gorm:"default:true"`
	AcceptSwap  bool      `gorm:"default:false"`
	FromRegions string    `gorm:"type:json"` // JSON array, empty = any
	ToRegions   string    `gorm:"type:json"` // JSON array, empty = any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DiscoveredGroup records an invitation link seen in message traffic.
// Inserts are keyed by invite code and ignored on conflict.
type DiscoveredGroup struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	UserID     uint      `gorm:"not null;index"`
	InviteCode string    `gorm:"size:64;uniqueIndex;not null"`
	SourceJID  string    `gorm:"size:64"`
	CreatedAt  time.Time
}
