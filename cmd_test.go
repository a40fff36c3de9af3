package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/cheahjs/lbnat/internal/config"
)

func TestRootCmdRejectsIncompleteConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--virtual-ip", "10.0.0.1"})

	err := cmd.Execute()
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), config.ServiceBackendIP)
}

func TestExecuteReportsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown flag", []string{"--bogus"}, "unknown flag: --bogus"},
		{"bad flag value", []string{"--port", "http"}, "invalid argument"},
		{"invalid config", []string{"--virtual-ip", "10.0.0.1"}, config.ServiceBackendIP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(tt.args)
			var stderr bytes.Buffer

			assert.Equal(t, 1, execute(cmd, &stderr))
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"config", "virtual-ip", "backend-ip", "port", "driver", "metrics-address"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.Log{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = newLogger(config.Log{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger(config.Log{Level: "loud"})
	require.Error(t, err)
}
