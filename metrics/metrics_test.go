package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrToLabel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "nil",
		},
		{
			name:     "plain words",
			err:      errors.New("connection lost"),
			expected: "connection_lost",
		},
		{
			name:     "punctuation stripped",
			err:      errors.New("dial tcp 127.0.0.1:99: refused!"),
			expected: "dial_tcp_refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, errToLabel(tt.err))
		})
	}
}

func TestRecordersDoNotPanic(t *testing.T) {
	// Recorders are fire-and-forget from hot paths; they must never panic
	// on odd inputs.
	RecordError("some error")
	RecordErrorDetails("label", errors.New("boom"))
	RecordErrorDetails("label", nil)
	RecordMessageSent("TestDiscovery.Start")
	RecordMessageReceived("TestDiscovery.Completed")
	RecordMalformedMessage()
	RecordProtocolViolation("Unknown.Kind")
	RecordHostLaunch("ok")
	RecordHostExit(-1)
	RecordCustomLaunch("error")
	RecordSessionStarted()
	RecordSessionEnded("id", "ok", 0)
}
