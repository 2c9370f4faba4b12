package svcfields

import (
	"context"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"storage", "", "azure"}, "storage.azure"},
		{[]string{".cli.", " copy "}, "cli.copy"},
		{[]string{"", " . "}, ""},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q)=%q want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemHandlesNil(t *testing.T) {
	if WithSubsystem(nil, "cli.root") == nil {
		t.Fatalf("expected non-nil logger")
	}
}

type namedLogger struct {
	pslog.Logger
	name string
}

func TestFromContextPrefersContextLogger(t *testing.T) {
	fallback := &namedLogger{Logger: pslog.NoopLogger(), name: "fallback"}
	if got, ok := FromContext(context.Background(), fallback).(*namedLogger); !ok || got.name != "fallback" {
		t.Fatalf("expected fallback when context carries no logger")
	}
	scoped := &namedLogger{Logger: pslog.NoopLogger(), name: "ctx"}
	ctx := pslog.ContextWithLogger(context.Background(), scoped)
	if got, ok := FromContext(ctx, fallback).(*namedLogger); !ok || got.name != "ctx" {
		t.Fatalf("expected context logger")
	}
	if FromContext(context.Background(), nil) == nil {
		t.Fatalf("expected disabled logger, got nil")
	}
}
