package klog_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vali-go/corekernel/klog"
)

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := klog.New(klog.Config{Level: klog.Warn, Component: "sched", Output: &buf})

	l.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected Info suppressed at Warn level, got %q", buf.String())
	}

	l.Warn("should appear", klog.Int("core", 1))
	out := buf.String()
	if !strings.Contains(out, "[WARN ]") || !strings.Contains(out, "[sched]") || !strings.Contains(out, "core=1") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

func TestLoggerFatalPanics(t *testing.T) {
	var buf bytes.Buffer
	l := klog.New(klog.Config{Level: klog.Debug, Component: "sched", Output: &buf})

	defer func() {
		if recover() == nil {
			t.Fatal("expected Fatal to panic")
		}
		if !strings.Contains(buf.String(), "corrupt queue") {
			t.Fatalf("expected fatal message logged before panic, got %q", buf.String())
		}
	}()
	l.Fatal("corrupt queue link")
}

func TestWithCreatesSubComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	l := klog.New(klog.Config{Level: klog.Debug, Component: "sched", Output: &buf})
	sub := l.With("sched.queue")
	sub.Debug("hello")
	if !strings.Contains(buf.String(), "[sched.queue]") {
		t.Fatalf("expected sub-component tag, got %q", buf.String())
	}
}
