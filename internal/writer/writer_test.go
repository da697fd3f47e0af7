package writer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stack-back/internal/config"
)

func TestObjectName(t *testing.T) {
	started := time.Date(2024, 3, 1, 2, 0, 5, 0, time.UTC)
	tests := []struct {
		name    string
		project string
		want    string
	}{
		{name: "with project", project: "media", want: "reports/media/20240301T020005Z-run-1.json"},
		{name: "without project", project: "", want: "reports/default/20240301T020005Z-run-1.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &RunReport{RunID: "run-1", Project: tt.project, StartedAt: started}
			if got := ObjectName(r); got != tt.want {
				t.Errorf("ObjectName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunReportRecord(t *testing.T) {
	r := NewRunReport("backup", "app")
	if r.RunID == "" {
		t.Fatal("RunID is empty")
	}
	r.Record("archive-volumes", "", "/volumes", time.Now(), nil)
	if r.Failed() {
		t.Fatal("report failed after a successful step")
	}
	r.Record("dump", "mysql", "/databases/mysql/all_databases.sql", time.Now(), errors.New("boom"))
	if !r.Failed() {
		t.Fatal("report not failed after a failed step")
	}
	if r.Steps[1].Error != "boom" || r.Steps[1].Success {
		t.Errorf("step = %+v", r.Steps[1])
	}
	r.Finish(StatusFailed, 1)
	if r.FinishedAt.IsZero() || r.ExitCode != 1 {
		t.Errorf("Finish() did not stamp the report: %+v", r)
	}
}

func TestLocalWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLocalWriter(config.ReportConfig{LocalPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	r := NewRunReport("backup", "app")
	r.Finish(StatusSuccess, 0)
	dest, err := WriteReport(ctx, w, r)
	if err != nil {
		t.Fatalf("WriteReport() error = %v", err)
	}
	if !strings.HasPrefix(dest, dir) {
		t.Errorf("destination %q not below %q", dest, dir)
	}

	objects, err := w.ListObjects(ctx, "reports/app")
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 1 || objects[0].Key != ObjectName(r) {
		t.Fatalf("ListObjects() = %+v, want [%s]", objects, ObjectName(r))
	}

	got, err := ReadReport(ctx, w, objects[0].Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != r.RunID || got.Status != StatusSuccess {
		t.Errorf("ReadReport() = %+v", got)
	}

	if err := w.DeleteObject(ctx, objects[0].Key); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(objects[0].Key))); !os.IsNotExist(err) {
		t.Errorf("file still present after delete: %v", err)
	}
	if err := w.DeleteObject(ctx, objects[0].Key); err != nil {
		t.Errorf("deleting a missing object should succeed, got %v", err)
	}
}

func TestLocalWriterRejectsTraversal(t *testing.T) {
	w, err := NewLocalWriter(config.ReportConfig{LocalPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"../escape.json", "/etc/passwd", "reports/../../x"} {
		if _, _, err := w.Write(context.Background(), name, bytes.NewReader(nil)); err == nil {
			t.Errorf("Write(%q) succeeded, want error", name)
		}
	}
}

func TestLatestReport(t *testing.T) {
	w, err := NewLocalWriter(config.ReportConfig{LocalPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	got, err := LatestReport(ctx, w, "app")
	if err != nil || got != nil {
		t.Fatalf("LatestReport() on an empty store = %+v, %v", got, err)
	}

	older := NewRunReport("backup", "app")
	older.StartedAt = older.StartedAt.Add(-time.Hour)
	older.Finish(StatusFailed, 1)
	newer := NewRunReport("maintenance", "app")
	newer.Finish(StatusSuccess, 0)
	other := NewRunReport("backup", "other")
	other.StartedAt = other.StartedAt.Add(time.Hour)
	for _, r := range []*RunReport{newer, older, other} {
		if _, err := WriteReport(ctx, w, r); err != nil {
			t.Fatalf("WriteReport() error = %v", err)
		}
	}

	got, err = LatestReport(ctx, w, "app")
	if err != nil {
		t.Fatalf("LatestReport() error = %v", err)
	}
	if got == nil || got.RunID != newer.RunID || got.Operation != "maintenance" {
		t.Errorf("LatestReport() = %+v, want run %s", got, newer.RunID)
	}
}

func TestListObjectsMissingPrefix(t *testing.T) {
	w, err := NewLocalWriter(config.ReportConfig{LocalPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	objects, err := w.ListObjects(context.Background(), "reports/none")
	if err != nil {
		t.Fatalf("ListObjects() error = %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("ListObjects() = %v, want empty", objects)
	}
}

func TestGetWriter(t *testing.T) {
	if Enabled(config.ReportConfig{Dest: "none"}) || Enabled(config.ReportConfig{}) {
		t.Error("Enabled() = true for a disabled destination")
	}
	if !Enabled(config.ReportConfig{Dest: "local"}) {
		t.Error("Enabled() = false for local")
	}
	if _, err := GetWriter(config.ReportConfig{Dest: "ftp"}); err == nil {
		t.Error("GetWriter(ftp) succeeded, want error")
	}
	w, err := GetWriter(config.ReportConfig{Dest: "LOCAL", LocalPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if w.Type() != LocalWriterType {
		t.Errorf("Type() = %q", w.Type())
	}
}
