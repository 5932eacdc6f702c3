package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"transport", ErrTransport, true},
		{"rate limited", ErrRateLimited, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"broken pipe text", fmt.Errorf("write tcp: broken pipe"), true},
		{"auth", ErrAuth, false},
		{"protocol", ErrProtocol, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"auth", ErrAuth, true},
		{"tls", ErrTLS, true},
		{"protocol", ErrProtocol, true},
		{"session limit", ErrSessionLimit, true},
		{"invalid config", ErrInvalidConfig, true},
		{"wrapped auth", fmt.Errorf("outer: %w", ErrAuth), true},
		{"transport", ErrTransport, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsFatal(test.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorFatal, Classify(ErrTLS))
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidData))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Session", "Run", "read frame"))

	err := Wrap(ErrProtocol, "Session", "Run", "read frame")
	require.Error(t, err)
	assert.Equal(t, "Session.Run: read frame failed: protocol error", err.Error())
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"fatal", WrapFatal, ErrorFatal},
		{"invalid", WrapInvalid, ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, tt.wrap(nil, "c", "m", "a"))

			err := tt.wrap(ErrAuth, "Authenticator", "Verify", "check token")
			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Authenticator", ce.Component)
			assert.Equal(t, "Verify", ce.Operation)
			assert.True(t, errors.Is(err, ErrAuth))
			assert.Equal(t, tt.class, Classify(err))
		})
	}
}
