package build

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logrus.Level
		wantErr bool
	}{
		{in: "trace", want: logrus.TraceLevel},
		{in: "DEBUG", want: logrus.DebugLevel},
		{in: "info", want: logrus.InfoLevel},
		{in: "warning", want: logrus.WarnLevel},
		{in: "error", want: logrus.ErrorLevel},
		{in: "panic", want: logrus.FatalLevel},
		{in: "loud", want: logrus.InfoLevel, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ToLogLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubLoggerLevelsAndOutput(t *testing.T) {
	var buf bytes.Buffer
	SetConsoleOutput(&buf)
	defer SetConsoleOutput(os.Stdout)

	logger := AddSubLogger("TEST")
	SetLogLevel("TEST", logrus.WarnLevel)

	logger.Info("hidden message")
	assert.Empty(t, buf.String())

	logger.Warn("visible message")
	assert.Contains(t, buf.String(), "TEST visible message")
	assert.Contains(t, Subsystems(), "TEST")
}

func TestSetLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger := AddSubLogger("FILE")
	SetLogLevel("FILE", logrus.InfoLevel)
	require.NoError(t, SetLogDir(dir))

	logger.WithField("deposit", 1).Info("written to disk")

	human, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(human), "FILE written to disk")

	structured, err := os.ReadFile(filepath.Join(dir, jsonLogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(structured), `"subsystem":"FILE"`)
	assert.Contains(t, string(structured), `"deposit":1`)
}
