package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMessageID(t *testing.T) {
	id := NewMessageID("Jane@Example.COM")
	assert.True(t, strings.HasSuffix(id, "@example.com"), id)
	assert.NotEqual(t, id, NewMessageID("jane@example.com"))
	assert.True(t, strings.HasSuffix(NewMessageID("broken"), "@localhost"))
}

func TestParseMessageIDList(t *testing.T) {
	assert.Equal(t, []string{"a@x", "b@y"}, ParseMessageIDList("<a@x>\r\n <b@y>"))
	assert.Equal(t, []string{"bare@x"}, ParseMessageIDList(" bare@x "))
	assert.Empty(t, ParseMessageIDList(""))
}

func TestUniqueMessageIDs(t *testing.T) {
	assert.Equal(t, []string{"a@x", "b@x"}, UniqueMessageIDs("<a@x>", "a@x", "", " <b@x> "))
}

func TestIsBounceMessage(t *testing.T) {
	assert.True(t, IsBounceMessage("MAILER-DAEMON@mx.example.com", "anything"))
	assert.True(t, IsBounceMessage("postmaster@example.com", ""))
	assert.True(t, IsBounceMessage("someone@example.com", "Undeliverable: Quick question"))
	assert.True(t, IsBounceMessage("noreply@google.com", "Delivery Status Notification (Failure)"))
	assert.False(t, IsBounceMessage("prospect@example.com", "Re: Quick question"))
}
