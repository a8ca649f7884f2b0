package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitLogger_JSONFormat(t *testing.T) {
	require.NoError(t, InitLogger("debug", "json"))
	assert.NotNil(t, GetLogger())
}

func TestInitLogger_ConsoleFormat(t *testing.T) {
	require.NoError(t, InitLogger("warn", "console"))
	assert.NotNil(t, GetLogger())
}

func TestInitLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	require.NoError(t, InitLogger("not-a-level", "json"))
	assert.NotNil(t, GetLogger())
	assert.True(t, GetLogger().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, GetLogger().Core().Enabled(zapcore.DebugLevel))
}

func TestGetLogger_FallsBackWhenNeverInitialized(t *testing.T) {
	saved := Logger
	Logger = nil
	defer func() { Logger = saved }()

	assert.NotNil(t, GetLogger())
}
