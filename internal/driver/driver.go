// Package driver stages pipeline work across the backend: it walks
// the course's file set in stage order, pre-creates and validates the
// output tree, submits each stage's operations concurrently, and awaits
// stage completion before moving on.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/buildctl/internal/backend"
	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/report"
)

// Stage is one phase of the pipeline. All operations of a stage complete
// (success or fail) before the next stage submits anything.
type Stage string

const (
	StageImages              Stage = "images"
	StageNotebookDerivatives Stage = "notebook-derivatives"
	StageHTMLSpeaker         Stage = "html-speaker"
	StageHTMLCompleted       Stage = "html-completed"
	StageCopy                Stage = "copy"
)

// Stages is the fixed execution order.
func Stages() []Stage {
	return []Stage{StageImages, StageNotebookDerivatives, StageHTMLSpeaker, StageHTMLCompleted, StageCopy}
}

// StagedOp is one unit of stage work: either a backend job submission or a
// local copy.
type StagedOp struct {
	Op      backend.Operation
	Payload build.Payload

	// Copy, when set, makes this a local file operation instead of a job.
	CopySrc  string
	CopyDest string
}

func (s *StagedOp) isCopy() bool { return s.CopySrc != "" }

// File is the per-source-artifact contract the (out-of-scope) course
// loader provides: each file knows its own operations per stage.
type File interface {
	Path() string
	Operations(stage Stage) []StagedOp
}

// ExecutionSeeder is implemented by files that need the execution-reuse
// cache populated on their behalf: targets that want the completed HTML but
// cannot afford to re-execute. The extra submissions join the speaker
// stage.
type ExecutionSeeder interface {
	ImplicitExecutionOps() []StagedOp
}

// ImageMode controls image filename collision policy.
type ImageMode string

const (
	ImageModeShared  ImageMode = "shared"
	ImageModePerFile ImageMode = "per-file"
)

// Course is the driver's view of the loaded course spec.
type Course struct {
	Files      []File
	ImageMode  ImageMode
	LoadIssues []build.Warning
}

type Driver struct {
	backend backend.Backend
	rep     report.Reporter
	log     *logger.Logger
}

func New(be backend.Backend, rep report.Reporter, log *logger.Logger) *Driver {
	return &Driver{backend: be, rep: rep, log: log.With("component", "PipelineDriver")}
}

// RunCourse drives one course build. The returned bool is overall success;
// a non-nil error means the build aborted (fatal pre-scan violation,
// backend failure, completion deadline).
func (d *Driver) RunCourse(ctx context.Context, course *Course) (bool, error) {
	staged := d.collect(course)

	if err := d.preScan(course, staged); err != nil {
		return false, err
	}

	ok := true
	for _, stage := range Stages() {
		ops := staged[stage]
		if len(ops) == 0 {
			continue
		}
		d.rep.Info(fmt.Sprintf("stage %s: %d operations", stage, len(ops)))
		stageOK, err := d.runStage(ctx, stage, ops)
		if err != nil {
			return false, fmt.Errorf("stage %s: %w", stage, err)
		}
		ok = ok && stageOK
	}
	return ok, nil
}

// collect gathers every file's operations per stage, plus the implicit
// execution-cache seeds that join the speaker stage.
func (d *Driver) collect(course *Course) map[Stage][]StagedOp {
	staged := map[Stage][]StagedOp{}
	for _, f := range course.Files {
		for _, stage := range Stages() {
			staged[stage] = append(staged[stage], f.Operations(stage)...)
		}
		if seeder, ok := f.(ExecutionSeeder); ok {
			staged[StageHTMLSpeaker] = append(staged[StageHTMLSpeaker], seeder.ImplicitExecutionOps()...)
		}
	}
	return staged
}

// preScan enforces the invariants that must hold before any worker sees a
// job: directories exist, no duplicate outputs, no shared-mode image
// collisions, and the loading phase's issues are surfaced.
func (d *Driver) preScan(course *Course, staged map[Stage][]StagedOp) error {
	for _, w := range course.LoadIssues {
		d.rep.Warning(w)
	}

	dirs := map[string]bool{}
	outputs := map[string]string{} // output path -> input file
	imageNames := map[string]string{}

	for _, stage := range Stages() {
		for _, op := range staged[stage] {
			out := op.Op.OutputFile
			in := op.Op.InputFile
			if op.isCopy() {
				out, in = op.CopyDest, op.CopySrc
			}
			if out == "" {
				continue
			}
			dirs[filepath.Dir(out)] = true

			if prev, dup := outputs[out]; dup && prev != in {
				d.rep.Warning(build.Warning{
					Category: "prescan",
					Message:  fmt.Sprintf("duplicate output %s (from %s and %s)", out, prev, in),
					Severity: string(build.SeverityWarning),
					FilePath: out,
				})
			}
			outputs[out] = in

			if stage == StageImages && course.ImageMode == ImageModeShared {
				name := filepath.Base(out)
				if prev, dup := imageNames[name]; dup && prev != in {
					be := buildtax.New(build.ErrorTypeUser, "image_collision",
						fmt.Sprintf("image %s produced by both %s and %s in shared image mode", name, prev, in),
						"Rename one of the image files, or switch to per-file image mode.",
						nil)
					be.Severity = build.SeverityFatal
					d.rep.Error(be)
					return be
				}
				imageNames[name] = in
			}
		}
	}

	// Batch-create every output directory up front: prevents races with
	// container bind-mount visibility and concurrent writers.
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("pre-create output dir %s: %w", dir, err)
		}
	}
	return nil
}

// runStage submits every operation concurrently and awaits the whole
// stage: structured concurrency, one submission error cancels the group.
func (d *Driver) runStage(ctx context.Context, stage Stage, ops []StagedOp) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			if op.isCopy() {
				return d.backend.CopyFileToOutput(gctx, op.CopySrc, op.CopyDest)
			}
			return d.backend.ExecuteOperation(gctx, op.Op, op.Payload)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return d.backend.WaitForCompletion(ctx)
}
