package version

import (
	"runtime/debug"
	"testing"
)

func TestFillFromBuildSettings(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123abc"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
	}

	tests := []struct {
		name       string
		in         Info
		wantCommit string
		wantDate   string
	}{
		{
			name:       "empty takes vcs stamp",
			wantCommit: "0123abc",
			wantDate:   "2026-01-02T03:04:05Z",
		},
		{
			name:       "ldflags win",
			in:         Info{GitCommit: "feedbee", BuildDate: "yesterday"},
			wantCommit: "feedbee",
			wantDate:   "yesterday",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := tt.in
			fillFromBuildSettings(&info, settings)
			if info.GitCommit != tt.wantCommit {
				t.Errorf("GitCommit = %q, want %q", info.GitCommit, tt.wantCommit)
			}
			if info.BuildDate != tt.wantDate {
				t.Errorf("BuildDate = %q, want %q", info.BuildDate, tt.wantDate)
			}
		})
	}
}

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if info.GitCommit == "" || info.BuildDate == "" {
		t.Errorf("Get() left fields empty: %+v", info)
	}
	if info.Platform == "" || info.GoVersion == "" {
		t.Errorf("Get() missing runtime info: %+v", info)
	}
}
