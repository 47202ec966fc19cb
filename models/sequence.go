package models

import (
	"gorm.io/gorm"

	"outcraftly/schedule"
)

type SequenceStatus string

const (
	SequenceDraft  SequenceStatus = "draft"
	SequenceActive SequenceStatus = "active"
	SequencePaused SequenceStatus = "paused"
)

// StopCondition decides which inbound signals end an enrollment.
type StopCondition string

const (
	StopManual          StopCondition = "manual"
	StopOnReply         StopCondition = "on_reply"
	StopOnReplyOrBounce StopCondition = "on_reply_or_bounce"
)

// Sequence represents an ordered series of outreach emails
type Sequence struct {
	gorm.Model
	TeamID   uint  `gorm:"not null;index" json:"team_id"`
	SenderID *uint `gorm:"index" json:"sender_id"`

	Name   string         `gorm:"not null" json:"name"`
	Status SequenceStatus `gorm:"not null;default:'draft';index" json:"status"`

	// Tracking
	TrackOpens  bool `gorm:"default:false" json:"track_opens"`
	TrackClicks bool `gorm:"default:false" json:"track_clicks"`

	// Stop policy
	StopCondition StopCondition `gorm:"not null;default:'on_reply'" json:"stop_condition"`
	StopOnBounce  bool          `gorm:"default:false" json:"stop_on_bounce"`

	// Scheduling
	MinGapMinutes  *int            `json:"min_gap_minutes"`
	SchedulePolicy schedule.Policy `gorm:"type:jsonb;serializer:json" json:"schedule_policy"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

func (s *Sequence) StopsOnReply() bool {
	return s.StopCondition == StopOnReply || s.StopCondition == StopOnReplyOrBounce
}

func (s *Sequence) StopsOnBounce() bool {
	return s.StopOnBounce || s.StopCondition == StopOnReplyOrBounce
}

func (s *Sequence) MinGap() int {
	if s.MinGapMinutes == nil {
		return 0
	}
	return *s.MinGapMinutes
}

// SequenceStep represents one email in a sequence
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	Order   int    `gorm:"column:step_order;not null" json:"order"`
	Subject string `gorm:"not null" json:"subject"`
	Body    string `gorm:"type:text;not null" json:"body"`

	// Delay relative to the previous send
	DelayValue *int               `json:"delay_value"`
	DelayUnit  schedule.DelayUnit `gorm:"default:'days'" json:"delay_unit"`

	// Conditions
	SkipIfReplied       bool `gorm:"default:false" json:"skip_if_replied"`
	SkipIfBounced       bool `gorm:"default:false" json:"skip_if_bounced"`
	DelayIfRepliedHours *int `json:"delay_if_replied_hours"`
}
