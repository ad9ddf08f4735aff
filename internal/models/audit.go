package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLog records one DICOM or HTTP operation against the node.
type AuditLog struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CallingAETitle string    `gorm:"type:varchar(16);index" json:"calling_ae_title"`
	RemoteHost     string    `gorm:"type:varchar(255)" json:"remote_host"`
	Operation      string    `gorm:"type:varchar(50);not null;index" json:"operation"`
	ResourceUID    string    `gorm:"type:varchar(255);index" json:"resource_uid"`
	Status         string    `gorm:"type:varchar(20);index" json:"status"` // success, failure, cancelled
	ErrorMessage   string    `gorm:"type:text" json:"error_message,omitempty"`
	Duration       int64     `json:"duration_ms"`
	CreatedAt      time.Time `gorm:"index" json:"timestamp"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Audit status values.
const (
	AuditStatusSuccess   = "success"
	AuditStatusFailure   = "failure"
	AuditStatusCancelled = "cancelled"
)
