// Package notebook processes notebook jobs: cell filtering per output kind,
// optional execution through an external kernel runner, and rendering to
// the requested format. One expensive execution is shared between the
// speaker and completed HTML outputs through the executed-notebook cache.
package notebook

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

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

func (h *Handler) Type() build.JobType { return build.JobTypeNotebook }

func (h *Handler) Run(jc *worker.Context) (*build.HandlerResult, error) {
	payload, err := jc.DecodeNotebookPayload()
	if err != nil {
		return nil, err
	}

	nb, err := Parse([]byte(payload.NotebookText))
	if err != nil {
		return nil, fmt.Errorf("parse notebook %s: %w", payload.InputFilePath, err)
	}

	var warnings []build.Warning

	switch payload.Format {
	case build.FormatNotebook:
		filtered := FilterForKind(nb, payload.Kind)
		data, err := filtered.Marshal()
		if err != nil {
			return nil, err
		}
		return &build.HandlerResult{Bytes: data, Warnings: warnings}, nil

	case build.FormatCode:
		filtered := FilterForKind(nb, payload.Kind)
		data := RenderCode(filtered, payload.ProgLang)
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: %s has no code cells", buildtax.ErrEmptyResult, payload.InputFileName)
		}
		return &build.HandlerResult{Bytes: data, Warnings: warnings}, nil

	case build.FormatEditScript:
		filtered := FilterForKind(nb, payload.Kind)
		data := RenderEditScript(filtered, payload.ProgLang)
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: %s has no code cells", buildtax.ErrEmptyResult, payload.InputFileName)
		}
		return &build.HandlerResult{Bytes: data, Warnings: warnings}, nil

	case build.FormatHTML:
		executed, ws, err := h.executedNotebook(jc, payload, nb)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, ws...)
		filtered := FilterForKind(executed, payload.Kind)
		data := RenderHTML(filtered, payload)
		return &build.HandlerResult{Bytes: data, Warnings: warnings}, nil

	default:
		return nil, fmt.Errorf("%w: unknown format %q", buildtax.ErrInvalidPayload, payload.Format)
	}
}

// executedNotebook returns the fully-executed notebook tree for HTML
// rendering. The speaker build executes and populates the cache; the
// completed build reads the speaker's execution back instead of paying for
// a second one. The cache key deliberately omits kind and format.
func (h *Handler) executedNotebook(jc *worker.Context, payload *build.NotebookPayload, nb *Notebook) (*Notebook, []build.Warning, error) {
	if jc.Cache != nil && payload.Kind != build.KindSpeaker {
		row, err := jc.Cache.GetExecutedNotebook(jc.Ctx,
			payload.InputFilePath, jc.Job.ContentHash, payload.Language, payload.ProgLang)
		if err != nil {
			jc.Log.Warn("executed-notebook cache read failed", "error", err)
		} else if row != nil {
			cached, err := Parse(row.NotebookBlob)
			if err == nil {
				jc.Log.Debug("executed-notebook cache hit", "input_file", payload.InputFilePath)
				return cached, nil, nil
			}
			jc.Log.Warn("executed-notebook cache entry unparseable, re-executing", "error", err)
		}
	}

	executed, warnings, err := h.execute(jc, payload, nb)
	if err != nil {
		return nil, nil, err
	}

	if jc.Cache != nil && payload.Kind == build.KindSpeaker {
		data, err := executed.Marshal()
		if err == nil {
			if err := jc.Cache.StoreExecutedNotebook(jc.Ctx,
				payload.InputFilePath, jc.Job.ContentHash, payload.Language, payload.ProgLang, data); err != nil {
				jc.Log.Warn("executed-notebook cache write failed", "error", err)
			}
		}
	}
	return executed, warnings, nil
}

// execute runs the notebook through the configured kernel runner. With no
// runner configured the behavior depends on fallback_execute: proceed with
// the unexecuted tree (and say so), or fail.
func (h *Handler) execute(jc *worker.Context, payload *build.NotebookPayload, nb *Notebook) (*Notebook, []build.Warning, error) {
	if jc.Tools.JupyterCmd == "" {
		if payload.FallbackExecute {
			return nb, []build.Warning{{
				Category: "notebook",
				Message:  "no kernel runner configured; rendering unexecuted notebook",
				Severity: string(build.SeverityWarning),
				FilePath: payload.InputFilePath,
			}}, nil
		}
		return nil, nil, &buildtax.PermanentError{
			Cause: fmt.Errorf("no kernel runner configured for %s and fallback execution is disabled", payload.InputFileName),
		}
	}

	workDir, err := os.MkdirTemp("", "nbexec-*")
	if err != nil {
		return nil, nil, err
	}
	defer os.RemoveAll(workDir)

	// Supporting files the notebook reads at execution time travel in the
	// payload as base64 and are materialized next to it.
	for rel, b64 := range payload.OtherFiles {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: other_files[%s] is not base64", buildtax.ErrInvalidPayload, rel)
		}
		dest := filepath.Join(workDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return nil, nil, err
		}
	}

	inPath := filepath.Join(workDir, payload.InputFileName)
	raw, err := nb.Marshal()
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(inPath, raw, 0o644); err != nil {
		return nil, nil, err
	}
	outPath := filepath.Join(workDir, "executed-"+payload.InputFileName)

	if jc.Cancelled() {
		return nil, nil, buildtax.ErrJobCancelled
	}

	if _, err := worker.RunCommand(jc.Ctx, jc, h.retry, jc.Tools.JupyterCmd, inPath, outPath); err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel runner produced no output for %s: %w", payload.InputFileName, err)
	}
	executed, err := Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel runner output unparseable: %w", err)
	}
	return executed, nil, nil
}
