package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestFromContext(t *testing.T) {
	t.Parallel()
	require.NotNil(t, FromContext(context.Background()))

	logger := zaptest.NewLogger(t)
	ctx := NewContext(context.Background(), logger)
	require.Same(t, logger, FromContext(ctx))
}

func TestNewWritesLogFile(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "certchain.log")

	logger := New(zap.InfoLevel, file, true, DefaultRotation)
	logger.Debug("file gets debug logs")
	_ = logger.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(data), "file gets debug logs")
}
