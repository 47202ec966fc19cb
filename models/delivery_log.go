package models

import "gorm.io/gorm"

type LogType string

const (
	LogSend   LogType = "send"
	LogReply  LogType = "reply"
	LogBounce LogType = "bounce"
)

type LogStatus string

const (
	LogSent       LogStatus = "sent"
	LogFailed     LogStatus = "failed"
	LogRetrying   LogStatus = "retrying"
	LogSkipped    LogStatus = "skipped"
	LogDelayed    LogStatus = "delayed"
	LogReplied    LogStatus = "replied"
	LogBounced    LogStatus = "bounced"
	LogManualSend LogStatus = "manual_send"
	LogArchived   LogStatus = "archived"
)

// DeliveryLog is an append-only record of one send attempt or inbound signal.
// MessageID is stored without angle brackets.
type DeliveryLog struct {
	gorm.Model
	TeamID       uint  `gorm:"not null;index" json:"team_id"`
	ContactID    uint  `gorm:"not null;index" json:"contact_id"`
	SequenceID   uint  `gorm:"not null;index" json:"sequence_id"`
	StepID       *uint `gorm:"index" json:"step_id"`
	EnrollmentID uint  `gorm:"not null;uniqueIndex:idx_delivery_logs_inbound" json:"enrollment_id"`

	Type    LogType   `gorm:"not null;index;uniqueIndex:idx_delivery_logs_inbound" json:"type"`
	Status  LogStatus `gorm:"not null;index" json:"status"`
	Attempt int       `gorm:"default:0" json:"attempt"`

	MessageID        string  `gorm:"index" json:"message_id"`
	InboundMessageID *string `gorm:"uniqueIndex:idx_delivery_logs_inbound" json:"inbound_message_id,omitempty"`
	ErrorMessage     *string `gorm:"type:text" json:"error,omitempty"`

	Payload map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"payload,omitempty"`
}

// IsSend reports whether the entry records an outbound email that reached
// the provider.
func (l *DeliveryLog) IsSend() bool {
	return l.Type == LogSend && (l.Status == LogSent || l.Status == LogManualSend)
}
