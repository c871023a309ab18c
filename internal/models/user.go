package models

import "time"

// Roles and subscription packages. The dashboard CRUD layer owns user
// creation; the core only reads these rows and mutates the mirrored
// connection state and credit balance.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	PackageStandard = "standard"
	PackageDriver   = "driver"
)

// User is an account on the platform. DriverPhone and DriverPlate are quoted
// verbatim in dispatch confirmations, which is why the claim protocol refuses
// to run with them missing.
type User struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:128"`
	Email       string `gorm:"size:128;uniqueIndex"`
	Role        string `gorm:"size:16;default:user;index"`
	Package     string `gorm:"size:16;default:standard"`
	Credits     int    `gorm:"default:0"`
	DriverPhone string `gorm:"size:32"`
	DriverPlate string `gorm:"size:16"`
	GeminiKey   string `gorm:"size:128"`

	// Connection state mirrored from the in-memory session so that other
	// processes (dashboard requests) can read it without a transport handle.
	WaConnected   bool       `gorm:"default:false"`
	WaPairingCode string     `gorm:"type:text"` // data-URL PNG, empty when none
	WaConnectedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAdmin reports whether the user has the administrative role.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// IsDriver reports whether the account is on the dispatch/driver tier.
// Group traffic is only meaningful for this tier.
func (u *User) IsDriver() bool { return u.Package == PackageDriver }

// Customer is a contact owned by a user, created by the CRUD layer and read
// by the core for lid reverse lookups and broadcast templating.
type Customer struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	UserID         uint      `gorm:"not null;index"`
	PhoneNumber    string    `gorm:"size:32;index"`
	Name           string    `gorm:"size:128"`
	Tags           string    `gorm:"size:256"`
	AdditionalData string    `gorm:"type:json"`     // free-form key/value blob for templates
	LidAlias       string    `gorm:"size:64;index"` // anonymous linked-id JID, if known
	ProfilePicURL  string    `gorm:"size:512"`
	About          string    `gorm:"size:512"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
