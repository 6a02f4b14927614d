// Package export writes merged tasks to disk as JSON or XLSX.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/openproject-crawler/pkg/activity"
	"github.com/Sternrassler/openproject-crawler/pkg/logging"
)

// Format is an output file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// timestampLayout is the time part of generated file names.
const timestampLayout = "20060102_150405"

// Exporter renders tasks in one format.
type Exporter interface {
	Format() Format
	Write(w io.Writer, project string, tasks []activity.Task) error
}

// ParseFormats parses a comma-separated list such as "json,xlsx".
// Duplicates are dropped; an empty list is an error.
func ParseFormats(s string) ([]Format, error) {
	seen := make(map[Format]bool)
	var formats []Format
	for _, part := range strings.Split(s, ",") {
		f := Format(strings.ToLower(strings.TrimSpace(part)))
		if f == "" {
			continue
		}
		if f != FormatJSON && f != FormatXLSX {
			return nil, fmt.Errorf("unknown export format %q", part)
		}
		if !seen[f] {
			seen[f] = true
			formats = append(formats, f)
		}
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no export format in %q", s)
	}
	return formats, nil
}

// ForFormat returns the exporter for f.
func ForFormat(f Format) (Exporter, error) {
	switch f {
	case FormatJSON:
		return JSON{}, nil
	case FormatXLSX:
		return Excel{}, nil
	default:
		return nil, fmt.Errorf("unknown export format %q", f)
	}
}

// Filename returns "activities_<project>_<YYYYMMDD_HHMMSS>.<format>".
func Filename(project string, f Format, at time.Time) string {
	return fmt.Sprintf("activities_%s_%s.%s", sanitize(project), at.Format(timestampLayout), f)
}

// WriteFile renders tasks with e into dir and returns the file path.
// dir is created when missing.
func WriteFile(dir string, e Exporter, project string, tasks []activity.Task, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(dir, Filename(project, e.Format(), at))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	if err := e.Write(file, project, tasks); err != nil {
		file.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", e.Format(), err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}

	logger := logging.NewLogger("export")
	logger.Info().
		Str("path", path).
		Str("format", string(e.Format())).
		Int("tasks", len(tasks)).
		Msg("Export written")

	return path, nil
}

// JSON writes the tasks as an indented JSON array.
type JSON struct{}

// Format implements Exporter.
func (JSON) Format() Format { return FormatJSON }

// Write implements Exporter.
func (JSON) Write(w io.Writer, _ string, tasks []activity.Task) error {
	if tasks == nil {
		tasks = []activity.Task{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(tasks)
}

func sanitize(name string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", " ", "_", ":", "-")
	return r.Replace(name)
}
