package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	return entry
}

func TestHandlerSchemaAndRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))

	logger.Info("target pool opened",
		"dsn", "postgresql://admin:s3cret@db:5432/app",
		"jdbc", "jdbc:trino://h:8080?user=u&password=pw",
		"api_token", "abc",
	)
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	entry := decode(t, lines[0])
	require.Contains(t, entry, "timestamp")
	require.Equal(t, "postgresql://admin:xxxxx@db:5432/app", entry["dsn"])
	require.Equal(t, "jdbc:trino://h:8080?user=u&password=xxxxx", entry["jdbc"])
	require.Equal(t, "[REDACTED]", entry["api_token"])
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queuectl.log")
	logger, closer := NewLogger(LogConfig{Level: "debug", File: path, Quiet: true})
	logger.Debug("hello", "component", "test")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	entry := decode(t, strings.TrimSpace(string(raw)))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "DEBUG", entry["level"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNoopProvider(t *testing.T) {
	p, err := InitOTel(context.Background(), OTelConfig{})
	require.NoError(t, err)
	ctx, span := StartSpan(context.Background(), p.Tracer, "x", AttrExecutionID.String("e1"))
	span.End()
	require.NotNil(t, ctx)
	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	m.ExecutionsFinished.Add(ctx, 1)
	require.NoError(t, p.Shutdown(ctx))
	require.NotNil(t, NoopMetrics())
}

func TestUnknownExporter(t *testing.T) {
	_, err := InitOTel(context.Background(), OTelConfig{Enabled: true, Exporter: "zipkin"})
	require.Error(t, err)
}
