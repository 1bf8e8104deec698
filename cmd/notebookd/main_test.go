package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootHasCommands(t *testing.T) {
	root := buildRoot(&bytes.Buffer{})
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "start", "stop", "restart", "status", "health", "detect", "config"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	for _, flag := range []string{"config", "api-url", "api-timeout", "json"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestStartFlags(t *testing.T) {
	root := buildRoot(&bytes.Buffer{})
	start, _, err := root.Find([]string{"start"})
	require.NoError(t, err)
	for _, flag := range []string{"port", "python", "dir", "args", "env", "notebook", "open"} {
		assert.NotNil(t, start.Flags().Lookup(flag), flag)
	}
}

func TestConfigSetRequiresArgs(t *testing.T) {
	root := buildRoot(&bytes.Buffer{})
	root.SetArgs([]string{"config", "set"})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}
