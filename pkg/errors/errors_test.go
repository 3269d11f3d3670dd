package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorTypeRetryability(t *testing.T) {
	cases := []struct {
		errType ErrorType
		want    bool
	}{
		{ErrorTypeConfig, false},
		{ErrorTypeNetwork, true},
		{ErrorTypeValidation, false},
		{ErrorTypeStorage, false},
		{ErrorTypeBitcoin, false},
		{ErrorTypeEvents, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeInternal, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.errType), func(t *testing.T) {
			if got := New(tc.errType, "op", "msg").IsRetryable(); got != tc.want {
				t.Errorf("New(%s).IsRetryable() = %v, want %v", tc.errType, got, tc.want)
			}
		})
	}
}

func TestNewPopulatesFields(t *testing.T) {
	err := New(ErrorTypeStorage, "append_share", "write failed")

	if err.Type != ErrorTypeStorage {
		t.Errorf("Type = %v, want storage", err.Type)
	}
	if err.Operation != "append_share" || err.Message != "write failed" {
		t.Errorf("Operation/Message = %q/%q", err.Operation, err.Message)
	}
	if err.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if err.Cause != nil {
		t.Errorf("Cause = %v, want nil", err.Cause)
	}
}

func TestErrorString(t *testing.T) {
	cases := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "without cause",
			err:  New(ErrorTypeValidation, "decode_share", "height is zero"),
			want: "validation: decode_share: height is zero",
		},
		{
			name: "with cause",
			err:  Wrap(errors.New("disk full"), ErrorTypeStorage, "append_share", "put failed"),
			want: "storage: append_share: put failed: disk full",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWithContextAccumulates(t *testing.T) {
	err := New(ErrorTypeBitcoin, "get_block_template", "rpc failed").
		WithContext("height", 850000).
		WithContext("source", "poll")

	if len(err.Context) != 2 {
		t.Fatalf("context has %d entries, want 2", len(err.Context))
	}
	if err.Context["height"] != 850000 || err.Context["source"] != "poll" {
		t.Errorf("context = %v", err.Context)
	}

	err.WithContext("source", "push")
	if err.Context["source"] != "push" {
		t.Errorf("context[source] = %v, want overwritten value", err.Context["source"])
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if err := Wrap(nil, ErrorTypeInternal, "op", "msg"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapExposesCauseToErrorsIs(t *testing.T) {
	cause := errors.New("broken pipe")
	err := Wrap(cause, ErrorTypeNetwork, "publish", "send failed")

	if !errors.Is(err, cause) {
		t.Error("errors.Is does not reach the wrapped cause")
	}
	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want cause", err.Unwrap())
	}
}

func TestWrapKeepsServiceErrorRetryability(t *testing.T) {
	cases := []struct {
		name  string
		inner *ServiceError
		outer ErrorType
		want  bool
	}{
		{"retryable survives final type", New(ErrorTypeNetwork, "dial", "refused"), ErrorTypeValidation, true},
		{"final survives retryable type", New(ErrorTypeValidation, "check", "bad"), ErrorTypeNetwork, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Wrap(tc.inner, tc.outer, "op", "msg")
			if got := err.IsRetryable(); got != tc.want {
				t.Errorf("IsRetryable() = %v, want %v (inherited)", got, tc.want)
			}
			if !IsType(err, tc.outer) {
				t.Errorf("IsType(%s) = false, want outer type to win", tc.outer)
			}
		})
	}
}

func TestWrapInheritsThroughForeignWrapping(t *testing.T) {
	inner := New(ErrorTypeNetwork, "dial", "refused")
	foreign := fmt.Errorf("rpc call: %w", inner)

	err := Wrap(foreign, ErrorTypeBitcoin, "get_block_template", "failed")
	if !err.IsRetryable() {
		t.Error("retryability lost through a foreign wrapper")
	}
}

func TestWrapClassifiesForeignErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"timeout", errors.New("i/o timeout"), true},
		{"plain failure", errors.New("unexpected response"), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Wrap(tc.err, ErrorTypeInternal, "op", "msg").IsRetryable(); got != tc.want {
				t.Errorf("Wrap(%q).IsRetryable() = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsTypeWalksWrapChain(t *testing.T) {
	err := New(ErrorTypeStorage, "open", "corrupt manifest")
	wrapped := fmt.Errorf("startup: %w", err)

	if !IsType(wrapped, ErrorTypeStorage) {
		t.Error("IsType failed to find ServiceError behind a foreign wrapper")
	}
	if IsType(wrapped, ErrorTypeNetwork) {
		t.Error("IsType matched the wrong type")
	}
	if IsType(errors.New("plain"), ErrorTypeStorage) {
		t.Error("IsType matched a non-ServiceError")
	}
	if IsType(nil, ErrorTypeStorage) {
		t.Error("IsType matched nil")
	}
}

func TestIsRetryableFallsBackToPatterns(t *testing.T) {
	if !IsRetryable(errors.New("temporary failure in name resolution")) {
		t.Error("transient pattern not recognized")
	}
	if IsRetryable(errors.New("invalid credentials")) {
		t.Error("permanent foreign error judged retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation judged retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil judged retryable")
	}
}
