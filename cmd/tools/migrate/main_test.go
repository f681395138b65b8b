package main

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCommandsRequireDatabaseURL(t *testing.T) {
	for _, args := range [][]string{{"up"}, {"down", "--steps", "2"}, {"version"}} {
		cmd := newRootCmd(zerolog.Nop())
		cmd.SetArgs(append(args, "--database-url", ""))
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		require.ErrorContains(t, cmd.Execute(), "DATABASE_URL is not set", args)
	}
}

func TestUnknownCommand(t *testing.T) {
	cmd := newRootCmd(zerolog.Nop())
	cmd.SetArgs([]string{"sideways"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}
