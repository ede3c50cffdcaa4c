package core

import "testing"

func TestNoOpLogger_NeverPanics(t *testing.T) {
	var l Logger = NoOpLogger{}
	l.Info("msg", nil)
	l.Error("msg", map[string]interface{}{"k": "v"})
	l.Warn("msg", nil)
	l.Debug("msg", nil)
}

func TestWithComponent_WrapsComponentAwareLogger(t *testing.T) {
	base := NewSimpleLogger()
	scoped := WithComponent(base, "framework/core")
	if scoped == nil {
		t.Fatal("expected non-nil logger")
	}
	scoped.Info("test message", map[string]interface{}{"a": 1})
}

func TestWithComponent_NilLoggerReturnsNoOp(t *testing.T) {
	got := WithComponent(nil, "framework/core")
	if _, ok := got.(NoOpLogger); !ok {
		t.Fatalf("expected NoOpLogger, got %T", got)
	}
}
