package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitDevelopmentReplacesGlobals(t *testing.T) {
	require.NoError(t, InitDevelopment())
	defer Sync()

	assert.Same(t, Log(), zap.L())
	assert.NotNil(t, S())
	assert.NotNil(t, Named("normalize"))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	core, logs := observer.New(zap.InfoLevel)
	l := zap.New(core)
	OrNop(l).Info("hello")
	assert.Equal(t, 1, logs.Len())
}
