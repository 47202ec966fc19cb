package models

import (
	"time"

	"gorm.io/gorm"

	"outcraftly/schedule"
)

type EnrollmentStatus string

const (
	EnrollmentPending EnrollmentStatus = "pending"
	EnrollmentSent    EnrollmentStatus = "sent"
	EnrollmentReplied EnrollmentStatus = "replied"
	EnrollmentBounced EnrollmentStatus = "bounced"
	EnrollmentFailed  EnrollmentStatus = "failed"
	EnrollmentSkipped EnrollmentStatus = "skipped"
)

// EnrollmentStatuses lists every status in reporting order.
var EnrollmentStatuses = []EnrollmentStatus{
	EnrollmentPending, EnrollmentSent, EnrollmentReplied,
	EnrollmentBounced, EnrollmentFailed, EnrollmentSkipped,
}

// ScheduleSnapshot freezes the sequence scheduling settings at enrollment
// time so later edits do not reshuffle contacts already in flight.
type ScheduleSnapshot struct {
	Policy        schedule.Policy `json:"policy"`
	MinGapMinutes int             `json:"min_gap_minutes"`
}

// Enrollment is a contact's progress through one sequence.
// ScheduledAt is set exactly when Status is pending.
type Enrollment struct {
	gorm.Model
	TeamID     uint `gorm:"not null;index" json:"team_id"`
	ContactID  uint `gorm:"not null;uniqueIndex:idx_enrollments_contact_sequence" json:"contact_id"`
	SequenceID uint `gorm:"not null;uniqueIndex:idx_enrollments_contact_sequence;index" json:"sequence_id"`

	StepID      *uint            `gorm:"index" json:"step_id"`
	Status      EnrollmentStatus `gorm:"not null;default:'pending';index" json:"status"`
	ScheduledAt *time.Time       `gorm:"index" json:"scheduled_at"`
	Attempts    int              `gorm:"not null;default:0" json:"attempts"`

	// Inbound signals
	ReplyAt  *time.Time `json:"reply_at"`
	BounceAt *time.Time `json:"bounce_at"`

	Schedule ScheduleSnapshot `gorm:"type:jsonb;serializer:json" json:"schedule"`
}

func (e *Enrollment) IsTerminal() bool {
	return e.Status != EnrollmentPending
}
