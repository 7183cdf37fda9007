package kit

import (
	"context"
	"testing"
)

func TestContext_Values(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc")
	ctx = WithTabID(ctx, "tab_1")
	ctx = WithSessionID(ctx, "trg_1")
	if GetTraceID(ctx) != "abc" || GetTabID(ctx) != "tab_1" || GetSessionID(ctx) != "trg_1" {
		t.Fatalf("values not carried: %q %q %q", GetTraceID(ctx), GetTabID(ctx), GetSessionID(ctx))
	}
}

func TestContext_EmptyDefaults(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" || GetTabID(ctx) != "" || GetSessionID(ctx) != "" {
		t.Fatal("expected empty defaults")
	}
	if attrs := LogAttrs(ctx); len(attrs) != 0 {
		t.Fatalf("expected no attrs, got %v", attrs)
	}
}

func TestLogAttrs(t *testing.T) {
	ctx := WithTabID(context.Background(), "tab_9")
	attrs := LogAttrs(ctx)
	if len(attrs) != 2 || attrs[0] != "tab" || attrs[1] != "tab_9" {
		t.Fatalf("got %v", attrs)
	}
}
