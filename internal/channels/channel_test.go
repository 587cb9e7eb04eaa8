package channels_test

import (
	"context"
	"testing"

	"github.com/basket/agentcore/internal/channels"
)

// Compile-time interface check: TelegramChannel must implement Channel.
var _ channels.Channel = (*channels.TelegramChannel)(nil)

func TestTelegramChannel_Name(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_AllowlistEmpty(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", []int64{}, nil, nil, nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with empty allowlist")
	}
}

func TestTelegramChannel_AllowlistPopulated(t *testing.T) {
	ids := []int64{123, 456, 789}
	ch := channels.NewTelegramChannel("fake-token", ids, nil, nil, nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with populated allowlist")
	}
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_ChatNotify_ErrorsWhenNotStarted(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, nil)
	if err := ch.ChatNotify(context.Background(), "telegram:1", "hello", "telegram"); err == nil {
		t.Fatal("expected error notifying before Start")
	}
}
