package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"stack-back/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Status string

const (
	StatusRunning        Status = "running"
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
	StatusAlreadyRunning Status = "already_running"
)

// StepResult is the outcome of one side effect of a run.
type StepResult struct {
	Name            string    `json:"name"`
	Service         string    `json:"service,omitempty"`
	Target          string    `json:"target,omitempty"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// RunReport summarises one backup or maintenance run.
type RunReport struct {
	RunID           string       `json:"run_id"`
	Operation       string       `json:"operation"`
	Project         string       `json:"project,omitempty"`
	Status          Status       `json:"status"`
	ExitCode        int          `json:"exit_code"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
	DurationSeconds float64      `json:"duration_seconds"`
	Steps           []StepResult `json:"steps"`
}

func NewRunReport(operation, project string) *RunReport {
	return &RunReport{
		RunID:     uuid.NewString(),
		Operation: operation,
		Project:   project,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
		Steps:     []StepResult{},
	}
}

// Record appends a step. A nil err marks the step successful.
func (r *RunReport) Record(name, service, target string, started time.Time, err error) {
	step := StepResult{
		Name:            name,
		Service:         service,
		Target:          target,
		Success:         err == nil,
		StartedAt:       started.UTC(),
		DurationSeconds: time.Since(started).Seconds(),
	}
	if err != nil {
		step.Error = err.Error()
	}
	r.Steps = append(r.Steps, step)
}

// Failed reports whether any recorded step failed.
func (r *RunReport) Failed() bool {
	for _, s := range r.Steps {
		if !s.Success {
			return true
		}
	}
	return false
}

// Finish stamps the end time and the final status.
func (r *RunReport) Finish(status Status, exitCode int) {
	r.Status = status
	r.ExitCode = exitCode
	r.FinishedAt = time.Now().UTC()
	r.DurationSeconds = r.FinishedAt.Sub(r.StartedAt).Seconds()
}

// ReportDir is the key prefix shared by all reports of a project.
func ReportDir(project string) string {
	if project == "" {
		project = "default"
	}
	return path.Join(ReportPrefix, project) + "/"
}

// ObjectName is the storage key of a report:
// reports/<project>/<timestamp>-<run id>.json.
func ObjectName(r *RunReport) string {
	return ReportDir(r.Project) + fmt.Sprintf("%s-%s.json", r.StartedAt.UTC().Format("20060102T150405Z"), r.RunID)
}

// WriteReport stores r as indented JSON and returns its destination.
func WriteReport(ctx context.Context, w ReportWriter, r *RunReport) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal run report: %w", err)
	}
	dest, _, err := w.Write(ctx, ObjectName(r), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to write run report: %w", err)
	}
	logger.Log.Debug("Run report written", zap.String("destination", dest), zap.String("runID", r.RunID))
	return dest, nil
}

func ReadReport(ctx context.Context, w ReportWriter, key string) (*RunReport, error) {
	reader, err := w.ReadObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read run report: %w", err)
	}
	defer reader.Close()

	var r RunReport
	if err := json.NewDecoder(reader).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode run report %s: %w", key, err)
	}
	return &r, nil
}

// LatestReport returns the newest stored report of project, nil when there
// is none. Object names start with the run's timestamp so the greatest key
// is the newest run.
func LatestReport(ctx context.Context, w ReportWriter, project string) (*RunReport, error) {
	objects, err := w.ListObjects(ctx, ReportDir(project))
	if err != nil {
		return nil, fmt.Errorf("failed to list run reports: %w", err)
	}
	var latest string
	for _, o := range objects {
		if strings.HasSuffix(o.Key, ".json") && o.Key > latest {
			latest = o.Key
		}
	}
	if latest == "" {
		return nil, nil
	}
	return ReadReport(ctx, w, latest)
}
