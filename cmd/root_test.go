package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "dispatch", "replies", "cleanup", "migrate", "token", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestTeamFlag(t *testing.T) {
	cmd := dispatchCmd(new(string))
	assert.Nil(t, teamFlag(cmd, 0))

	require.NoError(t, cmd.Flags().Set("team", "4"))
	got := teamFlag(cmd, 4)
	require.NotNil(t, got)
	assert.Equal(t, uint(4), *got)
}
