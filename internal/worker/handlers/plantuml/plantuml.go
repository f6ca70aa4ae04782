// Package plantuml converts PlantUML sources to images by shelling out to
// the PlantUML JAR.
package plantuml

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

func (h *Handler) Type() build.JobType { return build.JobTypePlantUML }

func (h *Handler) Run(jc *worker.Context) (*build.HandlerResult, error) {
	payload, err := jc.DecodeImagePayload()
	if err != nil {
		return nil, err
	}

	jar := jc.Tools.PlantUMLJar
	if strings.TrimSpace(jar) == "" {
		return nil, &buildtax.PermanentError{
			Cause: fmt.Errorf("PLANTUML_JAR environment variable not set; plantuml jar not found"),
		}
	}
	if _, err := os.Stat(jar); err != nil {
		return nil, &buildtax.PermanentError{
			Cause: fmt.Errorf("plantuml jar not found at %s", jar),
		}
	}

	format := imageFormat(payload.Format)

	workDir, err := os.MkdirTemp("", "plantuml-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	srcName := filepath.Base(payload.InputFilePath)
	if srcName == "" || srcName == "." {
		srcName = "diagram.puml"
	}
	srcPath := filepath.Join(workDir, srcName)
	if err := os.WriteFile(srcPath, []byte(payload.SourceText), 0o644); err != nil {
		return nil, err
	}

	if jc.Cancelled() {
		return nil, buildtax.ErrJobCancelled
	}

	out, err := worker.RunCommand(jc.Ctx, jc, h.retry,
		"java", "-jar", jar, "-t"+format, "-o", workDir, srcPath)
	if err != nil {
		return nil, err
	}

	stem := strings.TrimSuffix(srcName, filepath.Ext(srcName))
	produced := filepath.Join(workDir, stem+"."+format)
	data, err := os.ReadFile(produced)
	if err != nil {
		return nil, fmt.Errorf("plantuml produced no output for %s: %w", payload.InputFilePath, err)
	}
	if len(data) == 0 {
		return nil, buildtax.ErrEmptyResult
	}

	return &build.HandlerResult{Bytes: data, Warnings: collectWarnings(out, payload.InputFilePath)}, nil
}

func imageFormat(f build.Format) string {
	switch f {
	case "svg":
		return "svg"
	default:
		return "png"
	}
}

func collectWarnings(output, inputFile string) []build.Warning {
	var warnings []build.Warning
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(strings.ToLower(line), "warning") {
			warnings = append(warnings, build.Warning{
				Category: "plantuml",
				Message:  strings.TrimSpace(line),
				Severity: string(build.SeverityWarning),
				FilePath: inputFile,
			})
		}
	}
	return warnings
}
