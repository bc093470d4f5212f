package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moneyscripter/telesol/config"
)

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bot.jsonl")
	lg, err := New(config.Log{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	lg.Info("hello")
	_ = lg.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewBadLevel(t *testing.T) {
	_, err := New(config.Log{Level: "loud"})
	require.Error(t, err)
}
