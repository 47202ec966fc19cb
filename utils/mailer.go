package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"gopkg.in/gomail.v2"
)

// SenderCredentials are the decrypted SMTP settings of a sender.
type SenderCredentials struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // SSL, TLS, STARTTLS, NONE
	FromEmail  string
	FromName   string
}

type OutgoingEmail struct {
	To        string
	ToName    string
	Subject   string
	HTML      string
	Text      string
	MessageID string // generated when empty
	Headers   map[string]string
}

type SendResult struct {
	MessageID string   `json:"message_id"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
}

// Mailer delivers a single email through a sender's provider.
type Mailer interface {
	Send(ctx context.Context, creds SenderCredentials, email OutgoingEmail) (*SendResult, error)
}

// SMTPMailer sends through gomail. Each call dials a fresh connection.
type SMTPMailer struct {
	timeout time.Duration
	dial    func(d *gomail.Dialer, m *gomail.Message) error
}

func NewSMTPMailer(timeout time.Duration) *SMTPMailer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPMailer{
		timeout: timeout,
		dial: func(d *gomail.Dialer, m *gomail.Message) error {
			return d.DialAndSend(m)
		},
	}
}

var permanentRecipientError = regexp.MustCompile(`\b55[0-4]\b|\b5\.1\.[0-9]\b`)

func (sm *SMTPMailer) Send(ctx context.Context, creds SenderCredentials, email OutgoingEmail) (*SendResult, error) {
	if err := checkmail.ValidateFormat(email.To); err != nil {
		return &SendResult{Rejected: []string{email.To}}, fmt.Errorf("%w: %s: %v", ErrNoRecipientsAccepted, email.To, err)
	}

	messageID := NormalizeMessageID(email.MessageID)
	if messageID == "" {
		messageID = NewMessageID(creds.FromEmail)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(creds.FromEmail, creds.FromName))
	m.SetHeader("To", m.FormatAddress(email.To, email.ToName))
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")
	m.SetDateHeader("Date", time.Now())
	for k, v := range email.Headers {
		m.SetHeader(k, v)
	}
	if email.Text != "" {
		m.SetBody("text/plain", email.Text)
		m.AddAlternative("text/html", email.HTML)
	} else {
		m.SetBody("text/html", email.HTML)
	}

	d := gomail.NewDialer(creds.Host, creds.Port, creds.Username, creds.Password)
	d.TLSConfig = &tls.Config{ServerName: creds.Host}
	switch strings.ToUpper(creds.Encryption) {
	case "SSL":
		d.SSL = true
	case "TLS", "STARTTLS", "NONE", "":
		d.SSL = false
	}

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	// gomail has no context support, so the dial runs in its own goroutine.
	done := make(chan error, 1)
	go func() {
		done <- sm.dial(d, m)
	}()

	select {
	case err := <-done:
		if err != nil {
			if permanentRecipientError.MatchString(err.Error()) {
				return &SendResult{MessageID: messageID, Rejected: []string{email.To}},
					fmt.Errorf("%w: %v", ErrNoRecipientsAccepted, err)
			}
			return nil, fmt.Errorf("smtp send: %w", err)
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrSendTimeout, sm.timeout)
		}
		return nil, ctx.Err()
	}

	return &SendResult{MessageID: messageID, Accepted: []string{email.To}}, nil
}
