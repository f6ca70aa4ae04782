// Package drawio converts Draw.io diagrams to images via the Draw.io
// desktop executable's headless export mode.
package drawio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/worker"
)

type Handler struct {
	retry buildtax.RetryPolicy
}

func New() *Handler {
	return &Handler{retry: buildtax.DefaultSubprocessRetryPolicy()}
}

func (h *Handler) Type() build.JobType { return build.JobTypeDrawio }

func (h *Handler) Run(jc *worker.Context) (*build.HandlerResult, error) {
	payload, err := jc.DecodeImagePayload()
	if err != nil {
		return nil, err
	}

	bin := jc.Tools.DrawioBinary
	if strings.TrimSpace(bin) == "" {
		return nil, &buildtax.PermanentError{
			Cause: fmt.Errorf("DRAWIO_EXECUTABLE environment variable not set; drawio executable not found"),
		}
	}

	format := "png"
	if payload.Format == "svg" {
		format = "svg"
	}

	workDir, err := os.MkdirTemp("", "drawio-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	srcName := filepath.Base(payload.InputFilePath)
	if srcName == "" || srcName == "." {
		srcName = "diagram.drawio"
	}
	srcPath := filepath.Join(workDir, srcName)
	if err := os.WriteFile(srcPath, []byte(payload.SourceText), 0o644); err != nil {
		return nil, err
	}
	outPath := filepath.Join(workDir, "out."+format)

	if jc.Cancelled() {
		return nil, buildtax.ErrJobCancelled
	}

	// --no-sandbox keeps the Electron runtime usable as root inside
	// containers; xvfb is the image's concern, not ours.
	out, err := worker.RunCommand(jc.Ctx, jc, h.retry,
		bin, "--no-sandbox", "-x", "-f", format, "-o", outPath, srcPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("drawio produced no output for %s: %w", payload.InputFilePath, err)
	}
	if len(data) == 0 {
		return nil, buildtax.ErrEmptyResult
	}

	return &build.HandlerResult{Bytes: data, Warnings: collectWarnings(out, payload.InputFilePath)}, nil
}

func collectWarnings(output, inputFile string) []build.Warning {
	var warnings []build.Warning
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "warning") && !strings.Contains(lower, "electron") {
			warnings = append(warnings, build.Warning{
				Category: "drawio",
				Message:  strings.TrimSpace(line),
				Severity: string(build.SeverityWarning),
				FilePath: inputFile,
			})
		}
	}
	return warnings
}
