package logging

import (
	"context"
	"testing"
)

func TestCorrelationIDContext(t *testing.T) {
	ctx := context.Background()

	if id := GetCorrelationID(ctx); id != "" {
		t.Fatalf("expected empty correlation id, got %s", id)
	}

	ctx = WithCorrelationID(ctx, "abc")
	if id := GetCorrelationID(ctx); id != "abc" {
		t.Fatalf("expected abc, got %s", id)
	}

	if id := MustGetCorrelationID(ctx); id != "abc" {
		t.Fatalf("expected abc from MustGet, got %s", id)
	}

	generated := MustGetCorrelationID(context.Background())
	if generated == "" {
		t.Fatalf("expected generated correlation id")
	}
}
