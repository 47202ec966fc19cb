package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestEncryptDecrypt(t *testing.T) {
	sealed, err := Encrypt("smtp-secret", testKey)
	require.NoError(t, err)
	assert.NotEqual(t, "smtp-secret", sealed)

	plain, err := Decrypt(sealed, testKey)
	require.NoError(t, err)
	assert.Equal(t, "smtp-secret", plain)

	blank, err := Decrypt("", testKey)
	require.NoError(t, err)
	assert.Empty(t, blank)

	_, err = Decrypt("c2hvcnQ=", testKey)
	assert.Error(t, err)
}

func TestTriggerToken(t *testing.T) {
	team := uint(7)
	now := time.Now()

	token, err := GenerateTriggerToken("secret", &team, time.Hour, now)
	require.NoError(t, err)

	claims, err := ParseTriggerToken("secret", token)
	require.NoError(t, err)
	require.NotNil(t, claims.TeamID)
	assert.Equal(t, team, *claims.TeamID)

	_, err = ParseTriggerToken("wrong", token)
	assert.Error(t, err)

	expired, err := GenerateTriggerToken("secret", nil, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = ParseTriggerToken("secret", expired)
	assert.Error(t, err)
}

func TestValidateStruct(t *testing.T) {
	type input struct {
		Type  string `validate:"required,oneof=reply bounce"`
		Email string `validate:"omitempty,email"`
	}

	assert.NoError(t, ValidateStruct(input{Type: "reply"}))

	err := ValidateStruct(input{Type: "open", Email: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type must be one of: reply bounce")
	assert.Contains(t, err.Error(), "email must be a valid email")
}
