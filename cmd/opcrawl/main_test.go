package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/openproject-crawler/internal/config"
	"github.com/Sternrassler/openproject-crawler/internal/testutil"
	"github.com/Sternrassler/openproject-crawler/pkg/activity"
	"github.com/Sternrassler/openproject-crawler/pkg/export"
	"github.com/redis/go-redis/v9"
)

func setupMock(t *testing.T) *testutil.MockOpenProject {
	t.Helper()

	mock := testutil.NewMockOpenProject()
	t.Cleanup(mock.Close)

	mock.AddProject(1, "demo")
	mock.AddStatus(1, "New")
	mock.AddStatus(12, "Closed")
	mock.AddWorkPackage(testutil.ClosedBug(10, 1, "Crash on save"))
	mock.AddWorkPackage(testutil.OpenTask(4, 1, "Write docs"))

	t.Setenv(config.EnvURL, mock.APIURL())
	t.Setenv(config.EnvAPIKey, "secret")
	t.Setenv(config.EnvRateLimit, "1000")
	t.Setenv(config.EnvRedisURL, "")
	t.Setenv(config.EnvLogLevel, "error")
	t.Setenv(config.EnvOutputDir, t.TempDir())
	return mock
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--quiet"}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	if body != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", body)
	}
}

func TestReadyEndpoint_NoRedis(t *testing.T) {
	mux := newServeMux(nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestReadyEndpoint_RedisDown(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 100 * time.Millisecond})
	defer rc.Close()

	w := httptest.NewRecorder()
	newServeMux(rc).ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	w := httptest.NewRecorder()
	newServeMux(nil).ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("Expected default Go collectors in /metrics output")
	}
}

func TestSpin_AnimatesUntilStopped(t *testing.T) {
	var buf bytes.Buffer
	a := &app{stderr: &buf}

	bar := a.newSpinner("Crawling demo")
	rendered := buf.Len()

	stop := spin(bar, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	stop()

	if buf.Len() <= rendered {
		t.Error("spinner did not redraw while running")
	}

	stopped := buf.Len()
	time.Sleep(50 * time.Millisecond)
	if buf.Len() != stopped {
		t.Error("spinner kept drawing after stop")
	}
}

func TestSpin_QuietIsNoop(t *testing.T) {
	a := &app{quiet: true}
	stop := spin(a.newSpinner("Crawling demo"), time.Millisecond)
	stop()
}

func TestProjectsCommand(t *testing.T) {
	setupMock(t)

	out, err := runCmd(t, "projects")
	if err != nil {
		t.Fatalf("projects failed: %v", err)
	}
	if !strings.Contains(out, "IDENTIFIER") || !strings.Contains(out, "demo") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestStatusesCommand(t *testing.T) {
	setupMock(t)

	out, err := runCmd(t, "statuses")
	if err != nil {
		t.Fatalf("statuses failed: %v", err)
	}
	if !strings.Contains(out, "Closed") || !strings.Contains(out, "12") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestTasksCommand(t *testing.T) {
	setupMock(t)

	out, err := runCmd(t, "tasks", "--project", "demo")
	if err != nil {
		t.Fatalf("tasks failed: %v", err)
	}
	if !strings.Contains(out, "Crash on save") || !strings.Contains(out, "Write docs") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = runCmd(t, "tasks", "--project", "demo", "--status", "12")
	if err != nil {
		t.Fatalf("tasks --status failed: %v", err)
	}
	if !strings.Contains(out, "Crash on save") || strings.Contains(out, "Write docs") {
		t.Errorf("status filter not applied:\n%s", out)
	}

	out, err = runCmd(t, "tasks", "--project", "demo", "--counts")
	if err != nil {
		t.Fatalf("tasks --counts failed: %v", err)
	}
	if !strings.Contains(out, "type") || !strings.Contains(out, "Bug") {
		t.Errorf("unexpected counts:\n%s", out)
	}
}

func TestTasksCommand_RequiresProject(t *testing.T) {
	setupMock(t)

	if _, err := runCmd(t, "tasks"); err == nil {
		t.Error("expected error without --project")
	}
}

func TestActivitiesCommand(t *testing.T) {
	setupMock(t)
	dir := t.TempDir()

	out, err := runCmd(t, "activities", "--project", "demo", "--format", "json,xlsx", "--output", dir)
	if err != nil {
		t.Fatalf("activities failed: %v", err)
	}
	if !strings.Contains(out, "Merged 2 of 2 tasks of demo") {
		t.Errorf("unexpected output:\n%s", out)
	}

	jsonFiles, _ := filepath.Glob(filepath.Join(dir, "activities_demo_*.json"))
	xlsxFiles, _ := filepath.Glob(filepath.Join(dir, "activities_demo_*.xlsx"))
	if len(jsonFiles) != 1 || len(xlsxFiles) != 1 {
		t.Fatalf("expected one json and one xlsx file, got %v %v", jsonFiles, xlsxFiles)
	}

	data, err := os.ReadFile(jsonFiles[0])
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var tasks []activity.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("invalid JSON export: %v", err)
	}
	if len(tasks) != 2 || tasks[1].DurationDays == nil || *tasks[1].DurationDays != 2 {
		t.Errorf("unexpected tasks %+v", tasks)
	}
}

func TestActivitiesCommand_InvalidFormat(t *testing.T) {
	setupMock(t)

	if _, err := runCmd(t, "activities", "--project", "demo", "--format", "pdf"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestCommand_MissingAPIKey(t *testing.T) {
	setupMock(t)
	t.Setenv(config.EnvAPIKey, "")

	_, err := runCmd(t, "projects")
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Errorf("expected api_key configuration error, got %v", err)
	}
}

func TestScheduledRun(t *testing.T) {
	mock := setupMock(t)
	dir := t.TempDir()

	cmd := newRootCmd()
	cmd.SetErr(io.Discard)
	a, err := newApp(cmd, &options{quiet: true})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	a.scheduledRun(context.Background(), "demo", []export.Format{export.FormatJSON}, dir)

	files, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	if len(files) != 1 {
		t.Errorf("expected one export, got %v", files)
	}

	// unknown project is logged, not fatal
	a.scheduledRun(context.Background(), "missing", []export.Format{export.FormatJSON}, dir)
	files, _ = filepath.Glob(filepath.Join(dir, "*.json"))
	if len(files) != 1 {
		t.Errorf("failed run must not export, got %v", files)
	}
	if mock.GetPathCount("/projects") == 0 {
		t.Error("expected the project catalog to be fetched")
	}
}

func TestScheduledTick_RefreshesProjectCatalog(t *testing.T) {
	mock := setupMock(t)

	cmd := newRootCmd()
	cmd.SetErr(io.Discard)
	a, err := newApp(cmd, &options{quiet: true})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	formats := []export.Format{export.FormatJSON}
	first := t.TempDir()
	a.scheduledTick(context.Background(), []string{"demo"}, formats, first)
	if files, _ := filepath.Glob(filepath.Join(first, "activities_demo_*.json")); len(files) != 1 {
		t.Fatalf("expected one export of demo, got %v", files)
	}

	// project 1 renamed between ticks
	mock.AddProject(1, "renamed")

	second := t.TempDir()
	a.scheduledTick(context.Background(), []string{"demo", "renamed"}, formats, second)
	if files, _ := filepath.Glob(filepath.Join(second, "activities_demo_*.json")); len(files) != 0 {
		t.Errorf("old identifier still resolved after rename: %v", files)
	}
	if files, _ := filepath.Glob(filepath.Join(second, "activities_renamed_*.json")); len(files) != 1 {
		t.Errorf("expected one export of renamed, got %v", files)
	}
}

func TestRateLimitCommand_WithoutRedis(t *testing.T) {
	setupMock(t)

	_, err := runCmd(t, "ratelimit")
	if err == nil || !strings.Contains(err.Error(), "no shared rate limit") {
		t.Errorf("expected missing shared rate limit error, got %v", err)
	}
}

func TestCommand_MalformedRedisURL(t *testing.T) {
	setupMock(t)
	t.Setenv(config.EnvRedisURL, "redis://cache:6379/notanumber")

	_, err := runCmd(t, "projects")
	if err == nil || !strings.Contains(err.Error(), "redis.url") {
		t.Errorf("expected redis.url configuration error, got %v", err)
	}
}

func TestRunServe_Shutdown(t *testing.T) {
	setupMock(t)

	cmd := newRootCmd()
	cmd.SetErr(io.Discard)
	a, err := newApp(cmd, &options{quiet: true})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, a, &serveOptions{
			projects: []string{"demo"},
			schedule: "@every 1h",
			addr:     "127.0.0.1:0",
			formats:  "json",
			output:   t.TempDir(),
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runServe() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not stop after cancel")
	}
}

func TestRunServe_InvalidSchedule(t *testing.T) {
	setupMock(t)

	cmd := newRootCmd()
	cmd.SetErr(io.Discard)
	a, err := newApp(cmd, &options{quiet: true})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	err = runServe(context.Background(), a, &serveOptions{
		projects: []string{"demo"},
		schedule: "not a schedule",
		addr:     "127.0.0.1:0",
		formats:  "json",
	})
	if err == nil || !strings.Contains(err.Error(), "invalid schedule") {
		t.Errorf("expected invalid schedule error, got %v", err)
	}
}
