package main

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLogLevel(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  zapcore.Level
	}{
		{name: "debug", input: "debug", want: zapcore.DebugLevel},
		{name: "warn_uppercase", input: "WARN", want: zapcore.WarnLevel},
		{name: "error", input: "error", want: zapcore.ErrorLevel},
		{name: "default_info", input: "other", want: zapcore.InfoLevel},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := logLevel(tc.input)
			if got != tc.want {
				t.Fatalf("logLevel(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestShouldIgnoreLoggerSyncError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil_error", err: nil, want: false},
		{name: "einval_direct", err: syscall.EINVAL, want: true},
		{name: "enotty_direct", err: syscall.ENOTTY, want: true},
		{name: "wrapped_einval", err: fmt.Errorf("sync /dev/stderr: %w", syscall.EINVAL), want: true},
		{name: "other_error", err: errors.New("disk quota exceeded"), want: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := shouldIgnoreLoggerSyncError(tc.err)
			if got != tc.want {
				t.Fatalf("shouldIgnoreLoggerSyncError(%v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}
