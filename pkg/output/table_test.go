package output

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPrinter_Config_Empty(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Config(nil)

	if buf.Len() != 0 {
		t.Errorf("Config(nil) should output nothing, got %q", buf.String())
	}
}

func TestPrinter_Config(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Config([]Setting{
		{Name: "FLEETBUILD_BASE_DOMAIN", Value: "example.com"},
		{Name: "FLEETBUILD_LOG_FILE", Value: ""},
	})

	got := buf.String()
	// go-pretty uppercases headers
	for _, want := range []string{"CONFIGURATION", "VARIABLE", "VALUE", "FLEETBUILD_BASE_DOMAIN", "example.com"} {
		if !strings.Contains(got, want) {
			t.Errorf("Config() output missing %q:\n%s", want, got)
		}
	}
	for _, line := range strings.Split(got, "\n") {
		if strings.Contains(line, "FLEETBUILD_LOG_FILE") && !strings.Contains(line, "-") {
			t.Errorf("unset value should render as '-', got %q", line)
		}
	}
}

func TestPrinter_Delta(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Delta(DeltaSummary{
		Name:       "registry2.example.com/v2/bbb:delta-aaa",
		Outcome:    "built",
		LockWait:   1500 * time.Millisecond,
		Overridden: true,
		Duration:   42 * time.Second,
	})

	got := buf.String()
	for _, want := range []string{"DELTA", "IMAGE", "OUTCOME", "delta-aaa", "built", "1.5s", "yes", "42s"} {
		if !strings.Contains(got, want) {
			t.Errorf("Delta() output missing %q:\n%s", want, got)
		}
	}
}

func TestColorOutcome(t *testing.T) {
	for _, outcome := range []string{"built", "exists", "failed", "invalid", "cancelled", "other"} {
		if got := colorOutcome(outcome); !strings.Contains(got, outcome) {
			t.Errorf("colorOutcome(%q) = %q, should contain the outcome", outcome, got)
		}
	}
}

func TestPrinter_TableStyle_NonTTY(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	style := p.tableStyle()
	if style.Options.SeparateRows {
		t.Error("tableStyle() should not separate rows")
	}
	if len(style.Color.Header) != 0 {
		t.Error("tableStyle() should not color headers without a TTY")
	}
}
