package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

// reset clears package state and sends stdout output to a buffer.
func reset(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevDefault := slog.Default()

	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	isInitialized = false
	globalConfig = Config{}
	output = &buf
	mutex.Unlock()

	t.Cleanup(func() {
		mutex.Lock()
		output = os.Stdout
		mutex.Unlock()
		slog.SetDefault(prevDefault)
	})
	return &buf
}

func TestModuleLevelOverride(t *testing.T) {
	reset(t)
	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"streamio": "debug",
			"api":      "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"streamio", true, true, true},
		{"api", false, false, true},
		{"other", false, true, true},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()

			if got := handler.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("Debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := handler.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("Info enabled = %v, want %v", got, tt.wantInfo)
			}
			if got := handler.Enabled(ctx, slog.LevelWarn); got != tt.wantWarn {
				t.Errorf("Warn enabled = %v, want %v", got, tt.wantWarn)
			}
		})
	}
}

func TestModuleOutput(t *testing.T) {
	buf := reset(t)
	Initialize(Config{Level: "info", Format: "json", Modules: map[string]string{"capture": "debug"}})

	logger := GetLogger("capture")
	logger.Debug("frame dequeued", "index", 3)
	GetLogger("api").Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, `"msg":"frame dequeued"`) || !strings.Contains(out, `"module":"capture"`) {
		t.Errorf("debug record missing from JSON output: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("api debug record should be filtered: %s", out)
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	reset(t)

	before := GetLogger("streamio")
	if before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger created before Initialize should default to info")
	}

	Initialize(Config{Level: "info", Modules: map[string]string{"streamio": "debug"}})

	after := GetLogger("streamio")
	if before != after {
		t.Error("module logger should be cached across Initialize")
	}
	if !before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("cached logger should follow the new module level")
	}
}

func TestSetLevels(t *testing.T) {
	reset(t)
	Initialize(Config{Level: "info"})
	logger := GetLogger("streamio")
	GetLogger("api")

	SetLevels("warn", map[string]string{"streamio": "debug"})

	if !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("streamio should be at debug after SetLevels")
	}
	levels := Levels()
	if levels["streamio"] != "debug" || levels["api"] != "warn" {
		t.Errorf("Levels() = %v", levels)
	}
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("default logger should follow the global level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		ok    bool
	}{
		{"debug", slog.LevelDebug, true},
		{"DEBUG", slog.LevelDebug, true},
		{" info ", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"invalid", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseLevel(tt.input)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, %v, want %v, %v", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestMultiHandler(t *testing.T) {
	var debugBuf, infoBuf bytes.Buffer
	multi := NewMultiHandler(
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)
	logger := slog.New(multi).With("module", "test").WithGroup("buf")

	logger.Debug("debug only", "index", 1)
	logger.Info("both")

	if strings.Count(debugBuf.String(), "debug only") != 1 {
		t.Errorf("debug handler output: %s", debugBuf.String())
	}
	if strings.Contains(infoBuf.String(), "debug only") {
		t.Errorf("info handler should not get debug records: %s", infoBuf.String())
	}
	if !strings.Contains(infoBuf.String(), "both") || !strings.Contains(debugBuf.String(), "buf.index=1") {
		t.Errorf("attrs or group lost: %q / %q", debugBuf.String(), infoBuf.String())
	}
	if !multi.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("MultiHandler should be enabled when any handler is")
	}
}

func TestJournalFields(t *testing.T) {
	fields := make(map[string]string)
	addAttrToFields(fields, slog.Int("index", 3), nil)
	addAttrToFields(fields, slog.String("device", "/dev/video0"), []string{"stream"})
	addAttrToFields(fields, slog.Group("stats", slog.Uint64("frames", 10), slog.Bool("ok", true)), nil)
	addAttrToFields(fields, slog.Duration("poll-interval", 100*time.Millisecond), nil)
	addAttrToFields(fields, slog.Attr{}, nil)

	want := map[string]string{
		"INDEX":         "3",
		"STREAM_DEVICE": "/dev/video0",
		"STATS_FRAMES":  "10",
		"STATS_OK":      "true",
		"POLL_INTERVAL": "100ms",
	}
	if len(fields) != len(want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%q] = %q, want %q", k, fields[k], v)
		}
	}
}

func TestJournalLevel(t *testing.T) {
	var level slog.LevelVar
	h := NewJournalHandler(&level)
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be disabled at info")
	}
	level.Set(slog.LevelDebug)
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("handler should follow its LevelVar")
	}

	tests := []struct {
		level slog.Level
		want  journal.Priority
	}{
		{slog.LevelDebug, journal.PriDebug},
		{slog.LevelInfo, journal.PriInfo},
		{slog.LevelWarn, journal.PriWarning},
		{slog.LevelError, journal.PriErr},
		{slog.LevelError + 4, journal.PriErr},
	}
	for _, tt := range tests {
		if got := mapLevelToPriority(tt.level); got != tt.want {
			t.Errorf("mapLevelToPriority(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
