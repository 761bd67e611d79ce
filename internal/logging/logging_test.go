package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":       zerolog.InfoLevel,
		"DEBUG":  zerolog.DebugLevel,
		" warn ": zerolog.WarnLevel,
		"nope":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %s, 期望 %s", in, got, want)
		}
	}
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "json"}, &buf)
	logger.Debug().Msg("hidden")
	logger.Info().Str("component", "reconcile").Msg("engine started")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("日志应为单行 JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "reconcile" || entry["message"] != "engine started" {
		t.Fatalf("字段不符: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatal("缺少时间戳")
	}
}
