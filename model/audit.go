package model

import (
	"time"

	"gorm.io/gorm"
)

// AuditEvent is an immutable record of "actor did action at time".
// Rows are only ever inserted and batch-deleted.
type AuditEvent struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID    string    `gorm:"size:450;not null;index" json:"userId"`     // actor id, "anonymous" or "SYSTEM"
	Action    string    `gorm:"size:100;not null;index" json:"action"`     // LOGIN_SUCCESS, BOOK_DOWNLOADED...
	Message   string    `gorm:"size:500;not null" json:"message"`          // human readable detail
	CreatedAt time.Time `gorm:"not null;index" json:"createdAt"`           // UTC, set at write time
	IPAddress *string   `gorm:"column:ip_address;size:45" json:"ipAddress"` // IPv4/IPv6 (optional)
}

func (AuditEvent) TableName() string {
	return "audit_logs"
}

func (e *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == 0 {
		e.ID = GenerateID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}
