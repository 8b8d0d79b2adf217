package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/kafka"
)

func TestPrintEntries_FiltersAndSkipsGarbage(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handle := printEntries(&out, domain.LogFilter{Project: "/work/app"}, logger)

	encode := func(e domain.ActivityLogEntry) kafka.Message {
		b, err := json.Marshal(e)
		require.NoError(t, err)
		return kafka.Message{Value: b}
	}
	ctx := context.Background()
	require.NoError(t, handle(ctx, encode(domain.ActivityLogEntry{Seq: 1, Project: "/work/app", Type: domain.EventTaskSubmitted})))
	require.NoError(t, handle(ctx, encode(domain.ActivityLogEntry{Seq: 2, Project: "/work/other", Type: domain.EventTaskSubmitted})))
	require.NoError(t, handle(ctx, kafka.Message{Value: []byte("{not json")}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	var got domain.ActivityLogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, int64(1), got.Seq)
}

func TestWriteConfig(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "relay.yaml")

	require.NoError(t, writeConfig(dest, defaultRelayYAML, false))
	err := writeConfig(dest, defaultRelayYAML, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	require.NoError(t, writeConfig(dest, defaultRelayYAML, true))

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &parsed))
	assert.Equal(t, "sqlite", parsed["store_driver"])
	assert.Equal(t, 3, parsed["max_concurrent"])
}

func TestBuildLogger_Levels(t *testing.T) {
	assert.True(t, buildLogger("debug", "relay").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, buildLogger("info", "relay").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, buildLogger("WARN", "relay").Enabled(context.Background(), slog.LevelInfo))
}
