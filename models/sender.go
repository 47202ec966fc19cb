package models

import (
	"time"

	"gorm.io/gorm"
)

type SenderStatus string

const (
	SenderPending      SenderStatus = "pending"
	SenderActive       SenderStatus = "active"
	SenderVerified     SenderStatus = "verified"
	SenderPaused       SenderStatus = "paused"
	SenderDisconnected SenderStatus = "disconnected"
)

// Sender represents email sending and receiving credentials
type Sender struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	// Basic identification
	Name      string       `gorm:"not null" json:"name"`
	FromEmail string       `gorm:"not null" json:"from_email"`
	FromName  string       `gorm:"not null" json:"from_name"`
	Status    SenderStatus `gorm:"not null;default:'pending';index" json:"status"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`          // Encrypted in application layer
	Encryption   string `gorm:"not null" json:"encryption"` // SSL, TLS, STARTTLS, NONE

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status & Verification =========
	SMTPVerified bool       `json:"smtp_verified" gorm:"default:false"`
	IMAPVerified bool       `json:"imap_verified" gorm:"default:false"`
	LastTestedAt *time.Time `json:"last_tested_at"`
	LastPolledAt *time.Time `json:"last_polled_at"`
	LastError    *string    `json:"last_error"`
	TotalSent    int        `gorm:"default:0" json:"total_sent"`
	LastSentAt   *time.Time `json:"last_sent_at"`
}

// CanSend reports whether the sender may be used for outbound mail.
func (s *Sender) CanSend() bool {
	return s.Status == SenderActive || s.Status == SenderVerified
}

// CanPoll reports whether the sender mailbox may be scanned for replies.
func (s *Sender) CanPoll() bool {
	return s.CanSend() && s.IMAPHost != ""
}

func (s *Sender) Sanitize() {
	s.SMTPPassword = ""
	s.IMAPPassword = ""
}
