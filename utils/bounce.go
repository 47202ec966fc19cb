package utils

import "strings"

var bounceSenders = []string{"mailer-daemon", "postmaster", "mail-delivery-subsystem", "mailerdaemon"}

var bounceSubjects = []string{
	"delivery status notification",
	"undeliverable",
	"undelivered mail",
	"returned mail",
	"delivery failure",
	"failure notice",
	"mail delivery failed",
	"delivery has failed",
}

// IsBounceMessage recognizes non-delivery reports by sender or subject.
func IsBounceMessage(from, subject string) bool {
	from = strings.ToLower(from)
	for _, s := range bounceSenders {
		if strings.Contains(from, s) {
			return true
		}
	}
	subject = strings.ToLower(subject)
	for _, s := range bounceSubjects {
		if strings.Contains(subject, s) {
			return true
		}
	}
	return false
}
