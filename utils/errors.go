package utils

import "errors"

var (
	// ErrNoRecipientsAccepted is returned when the provider rejected every recipient.
	ErrNoRecipientsAccepted = errors.New("no recipients accepted")
	// ErrSendTimeout is returned when the provider did not answer in time.
	ErrSendTimeout = errors.New("send timed out")
)
