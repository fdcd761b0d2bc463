package logging

import (
	"bytes"
	"log"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{level: LevelWarn, std: log.New(&buf, "", 0)}

	l.Infof("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected info below warn level to be dropped, got %q", buf.String())
	}

	l.Warnf("should appear")
	if buf.Len() == 0 {
		t.Fatal("expected warn level message to be logged")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": LevelDebug, "warn": LevelWarn, "error": LevelError, "info": LevelInfo, "bogus": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
