package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RESTIC_REPOSITORY", "/restic")
	t.Setenv("RESTIC_PASSWORD", "secret")

	cfg := Load()

	if cfg.Restic.KeepDaily != 7 || cfg.Restic.KeepWeekly != 4 || cfg.Restic.KeepMonthly != 12 || cfg.Restic.KeepYearly != 3 {
		t.Errorf("unexpected retention defaults: %+v", cfg.Restic)
	}
	if cfg.Topology.VolumesRoot != "/volumes" {
		t.Errorf("VolumesRoot = %q, want /volumes", cfg.Topology.VolumesRoot)
	}
	if cfg.Topology.AutoBackupAllEnabled() {
		t.Error("auto backup all should default to false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadAliasesAndQuotes(t *testing.T) {
	t.Setenv("KEEP_DAILY", "14")
	t.Setenv("RESTIC_KEEP_WEEKLY", "2")
	t.Setenv("KEEP_WEEKLY", "9")
	t.Setenv("CRON_SCHEDULE", `"10 3 * * *"`)
	t.Setenv("INCLUDE_ALL_VOLUMES", "True")

	cfg := Load()

	if cfg.Restic.KeepDaily != 14 {
		t.Errorf("KeepDaily = %d, want 14", cfg.Restic.KeepDaily)
	}
	if cfg.Restic.KeepWeekly != 2 {
		t.Errorf("KeepWeekly = %d, want 2 (RESTIC_ prefixed name wins)", cfg.Restic.KeepWeekly)
	}
	if cfg.Schedule.CronSchedule != "10 3 * * *" {
		t.Errorf("CronSchedule = %q", cfg.Schedule.CronSchedule)
	}
	if !cfg.Topology.AutoBackupAllEnabled() {
		t.Error("INCLUDE_ALL_VOLUMES should enable auto backup all")
	}
}

func TestMultiProjectForcesProjectName(t *testing.T) {
	topo := TopologyConfig{IncludeAllComposeProject: true}
	if !topo.IncludeProjectNameEnabled() {
		t.Error("multi-project mode must force project name prefixing")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
		ok      bool
	}{
		{
			name:    "missing repository",
			cfg:     Config{Restic: ResticConfig{Password: "x"}},
			wantErr: ErrMissingRepository,
		},
		{
			name:    "missing password",
			cfg:     Config{Restic: ResticConfig{Repository: "/r"}},
			wantErr: ErrMissingPassword,
		},
		{
			name: "password file is enough",
			cfg:  Config{Restic: ResticConfig{Repository: "/r", PasswordFile: "/run/secrets/pw"}},
			ok:   true,
		},
		{
			name: "bad schedule",
			cfg: Config{
				Restic:   ResticConfig{Repository: "/r", Password: "x"},
				Schedule: ScheduleConfig{CronSchedule: "61 * * * *"},
			},
		},
		{
			name: "remote reports need a bucket",
			cfg: Config{
				Restic: ResticConfig{Repository: "/r", Password: "x"},
				Report: ReportConfig{Dest: "remote"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetentionPeriod(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"36h", 36 * time.Hour, false},
		{"10", 10 * 24 * time.Hour, false},
		{"-5d", 0, true},
		{"invalid", 0, true},
	}
	for _, tt := range tests {
		got, err := ReportConfig{Retention: tt.input}.RetentionPeriod()
		if (err != nil) != tt.wantErr {
			t.Errorf("RetentionPeriod(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("RetentionPeriod(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestStripQuotes(t *testing.T) {
	for in, want := range map[string]string{
		`"0 2 * * *"`: "0 2 * * *",
		`'abc'`:       "abc",
		`  plain `:    "plain",
		`"`:           "",
		``:            "",
	} {
		if got := StripQuotes(in); got != want {
			t.Errorf("StripQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}
