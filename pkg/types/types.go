package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UpdateMode identifies how firmware reached the device
type UpdateMode string

const (
	ModeUpload UpdateMode = "upload"
	ModePull   UpdateMode = "pull"
)

// FlashPhase is the lifecycle phase of the A/B slot pair
type FlashPhase string

const (
	// PhaseIdle: the active slot is committed and nothing is pending.
	PhaseIdle FlashPhase = "idle"
	// PhasePending: a new image was written and will be booted on next restart.
	PhasePending FlashPhase = "pending"
	// PhaseTrial: the new image is running and must be committed before the deadline.
	PhaseTrial FlashPhase = "trial"
)

// FlashState is the persisted slot table of the write engine. There is a single row.
type FlashState struct {
	ID             uint       `json:"-" gorm:"primaryKey"`
	ActiveSlot     int        `json:"active_slot"`
	ActiveDigest   string     `json:"active_digest"`
	PreviousSlot   int        `json:"previous_slot"`
	PreviousDigest string     `json:"previous_digest"`
	Phase          FlashPhase `json:"phase" gorm:"not null;default:idle"`
	CommitTimeout  int        `json:"commit_timeout"`
	TrialDeadline  *time.Time `json:"trial_deadline,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// UpdateAttempt records the outcome of one update session
type UpdateAttempt struct {
	ID            uuid.UUID  `json:"id" gorm:"primaryKey"`
	Mode          UpdateMode `json:"mode" gorm:"not null;index"`
	URL           string     `json:"url,omitempty"`
	BytesWritten  int64      `json:"bytes_written"`
	Result        int        `json:"result"`
	Message       string     `json:"message"`
	CommitTimeout int        `json:"commit_timeout"`
	Reboot        bool       `json:"reboot"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// BeforeCreate generates a UUID for the attempt ID
func (a *UpdateAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// UpdateStatus is the snapshot published to status consumers
type UpdateStatus struct {
	SessionID    string     `json:"session_id,omitempty"`
	Mode         UpdateMode `json:"mode,omitempty"`
	InProgress   bool       `json:"in_progress"`
	BytesWritten int64      `json:"bytes_written"`
	Result       int        `json:"result"`
	Message      string     `json:"message,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
