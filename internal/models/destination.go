package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrDestinationNotFound is returned when no destination matches an AE
// title or ID.
var ErrDestinationNotFound = errors.New("destination not found")

// Destination is a remote DICOM node that C-MOVE requests may target.
// Destinations are addressed by AE title in the move request; host and
// port come from this table.
type Destination struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	AETitle     string    `gorm:"type:varchar(16);not null;uniqueIndex" json:"ae_title"`
	Host        string    `gorm:"type:varchar(255);not null" json:"host"`
	Port        int       `gorm:"not null" json:"port"`
	Description string    `gorm:"type:varchar(255)" json:"description,omitempty"`
	IsActive    bool      `gorm:"default:true" json:"is_active"`

	// Probe status from the last C-ECHO.
	LastEchoAt time.Time `gorm:"index" json:"last_echo_at,omitempty"`
	LastEchoOK bool      `json:"last_echo_ok,omitempty"`
	LastError  string    `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Destination) TableName() string {
	return "destinations"
}

func (d *Destination) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// DestinationRequest is the management API payload for creating or
// updating a destination.
type DestinationRequest struct {
	AETitle     string `json:"ae_title" binding:"required"`
	Host        string `json:"host" binding:"required"`
	Port        int    `json:"port" binding:"required"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// EchoStatus is the result of probing a destination with C-ECHO.
type EchoStatus struct {
	Reachable    bool      `json:"reachable"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
