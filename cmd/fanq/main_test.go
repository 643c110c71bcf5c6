package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cfgpkg "github.com/rzbill/fanq/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestConfigPrintRoundTripsThroughLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FANQ_QUEUE_DATA_DIR", dir)
	t.Setenv("FANQ_CONSUMER_WORKERS", "7")
	out, err := execute(t, "config", "print")
	require.NoError(t, err)
	assert.Contains(t, out, "lease_duration: 30s")

	var printed map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &printed))

	file := filepath.Join(dir, "fanq.yaml")
	require.NoError(t, os.WriteFile(file, []byte(out), 0o644))
	cfg, err := cfgpkg.Load(file)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Consumer.Workers)
	assert.Equal(t, dir, cfg.Queue.DataDir)
}

func TestConfigPrintRejectsInvalid(t *testing.T) {
	t.Setenv("FANQ_QUEUE_BACKEND", "kafka")
	_, err := execute(t, "config", "print")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "kafka"))
}

func TestClientCommandsAreRegistered(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"submit", "dlq", "stats", "deliveries", "health", "server", "config"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
