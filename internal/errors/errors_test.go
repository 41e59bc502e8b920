package errors

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(CodeWalletUnreachable, stdErrors.New("dial tcp"), "读取 nonce 失败"))
	if !HasCode(err, CodeWalletUnreachable) {
		t.Fatalf("expected wrapped error to carry %s", CodeWalletUnreachable)
	}
	if HasCode(err, CodeNetworkError) {
		t.Fatalf("unexpected code match")
	}
	if CodeOf(err) != CodeWalletUnreachable {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("wallet unreachable should be retryable")
	}
}

func TestUserMessageFlagsAmbiguousFailures(t *testing.T) {
	ambiguous := New(CodeNetworkError, "")
	if !IsAmbiguous(ambiguous) {
		t.Fatalf("network error must be ambiguous")
	}
	if msg := UserMessage(ambiguous); !strings.Contains(msg, "may have been broadcast") {
		t.Fatalf("ambiguous message should warn the user, got %q", msg)
	}

	crisp := New(CodeSubmissionRejected, "执行被合约拒绝")
	if IsAmbiguous(crisp) {
		t.Fatalf("rejection must not be ambiguous")
	}
	if msg := UserMessage(crisp); strings.Contains(msg, "may have been broadcast") {
		t.Fatalf("crisp failure must not claim ambiguity, got %q", msg)
	}
}

func TestAttributesFallbackToUnknown(t *testing.T) {
	attr := AttributesOf(Code("NOT_REGISTERED"))
	if attr.Severity != SeverityCritical {
		t.Fatalf("unexpected fallback severity %s", attr.Severity)
	}
}

func TestWithRetryableOverridesCodeDefault(t *testing.T) {
	cause := New(CodeWalletUnreachable, "读取 nonce 失败", WithMetadata("chain_id", "0x2105"))
	final := Wrap(CodeWalletUnreachable, cause, cause.Message(), WithRetryable(false))
	if RetryableError(final) {
		t.Fatalf("explicit override must win over code attributes")
	}
	if !RetryableError(cause) {
		t.Fatalf("cause keeps the registered default")
	}
}
