package course

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/yungbote/buildctl/internal/backend"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/driver"
)

// notebookFile emits one notebook job per (language, kind, format) target.
type notebookFile struct {
	path        string
	text        string
	contentHash string
	spec        *Spec
}

func newNotebookFile(path string, spec *Spec) (driver.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &notebookFile{
		path:        path,
		text:        string(data),
		contentHash: ContentHash(data),
		spec:        spec,
	}, nil
}

func (f *notebookFile) Path() string { return f.path }

func (f *notebookFile) Operations(stage driver.Stage) []driver.StagedOp {
	switch stage {
	case driver.StageNotebookDerivatives:
		var ops []driver.StagedOp
		for _, lang := range f.spec.Languages {
			for _, kind := range f.spec.Kinds {
				ops = append(ops,
					f.op(lang, build.Kind(kind), build.FormatNotebook, "notebooks", ".ipynb"),
					f.op(lang, build.Kind(kind), build.FormatCode, "code", codeExt(f.spec.ProgLang)),
				)
			}
		}
		return ops
	case driver.StageHTMLSpeaker:
		var ops []driver.StagedOp
		for _, lang := range f.spec.Languages {
			if f.wantsKind(build.KindSpeaker) {
				ops = append(ops, f.op(lang, build.KindSpeaker, build.FormatHTML, "html", ".html"))
			}
		}
		return ops
	case driver.StageHTMLCompleted:
		var ops []driver.StagedOp
		for _, lang := range f.spec.Languages {
			if f.wantsKind(build.KindCompleted) {
				ops = append(ops, f.op(lang, build.KindCompleted, build.FormatHTML, "html", ".html"))
			}
		}
		return ops
	default:
		return nil
	}
}

// ImplicitExecutionOps seeds the execution-reuse cache: a course that wants
// completed HTML but skips the speaker target still needs the speaker-side
// execution the completed build derives from.
func (f *notebookFile) ImplicitExecutionOps() []driver.StagedOp {
	if f.wantsKind(build.KindSpeaker) || !f.wantsKind(build.KindCompleted) {
		return nil
	}
	var ops []driver.StagedOp
	for _, lang := range f.spec.Languages {
		ops = append(ops, f.op(lang, build.KindSpeaker, build.FormatHTML, "html-speaker-seed", ".html"))
	}
	return ops
}

func (f *notebookFile) wantsKind(kind build.Kind) bool {
	for _, k := range f.spec.Kinds {
		if k == string(kind) {
			return true
		}
	}
	return false
}

func (f *notebookFile) op(lang string, kind build.Kind, format build.Format, subdir, ext string) driver.StagedOp {
	stem := strings.TrimSuffix(filepath.Base(f.path), filepath.Ext(f.path))
	out := outputPath(f.spec, lang, string(kind), subdir, stem+ext)
	payload := &build.NotebookPayload{
		NotebookText:    f.text,
		InputFilePath:   f.path,
		InputFileName:   filepath.Base(f.path),
		OutputFilePath:  out,
		Kind:            kind,
		ProgLang:        f.spec.ProgLang,
		Language:        lang,
		Format:          format,
		CorrelationID:   newCorrelationID(),
		FallbackExecute: true,
	}
	return driver.StagedOp{
		Op: backend.Operation{
			ServiceName:   backend.ServiceNotebook,
			InputFile:     f.path,
			OutputFile:    out,
			ContentHash:   f.contentHash,
			CorrelationID: payload.CorrelationID,
		},
		Payload: payload,
	}
}

func codeExt(progLang string) string {
	switch strings.ToLower(progLang) {
	case "cpp", "c++":
		return ".cpp"
	case "java":
		return ".java"
	default:
		return ".py"
	}
}

// imageFile emits one conversion job in the image stage and no others.
type imageFile struct {
	path        string
	text        string
	contentHash string
	service     string
	spec        *Spec
}

func newImageFile(path string, spec *Spec, service string) (driver.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &imageFile{
		path:        path,
		text:        string(data),
		contentHash: ContentHash(data),
		service:     service,
		spec:        spec,
	}, nil
}

func (f *imageFile) Path() string { return f.path }

func (f *imageFile) Operations(stage driver.Stage) []driver.StagedOp {
	if stage != driver.StageImages {
		return nil
	}
	stem := strings.TrimSuffix(filepath.Base(f.path), filepath.Ext(f.path))
	out := filepath.Join(f.spec.OutputDir, "img", stem+".png")
	payload := &build.ImagePayload{
		SourceText:     f.text,
		InputFilePath:  f.path,
		OutputFilePath: out,
		Format:         "png",
		CorrelationID:  newCorrelationID(),
	}
	return []driver.StagedOp{{
		Op: backend.Operation{
			ServiceName:   f.service,
			InputFile:     f.path,
			OutputFile:    out,
			ContentHash:   f.contentHash,
			CorrelationID: payload.CorrelationID,
		},
		Payload: payload,
	}}
}

// auxFile is anything that just gets copied into every target.
type auxFile struct {
	path string
	spec *Spec
}

func newAuxFile(path string, spec *Spec) driver.File {
	return &auxFile{path: path, spec: spec}
}

func (f *auxFile) Path() string { return f.path }

func (f *auxFile) Operations(stage driver.Stage) []driver.StagedOp {
	if stage != driver.StageCopy {
		return nil
	}
	rel, err := filepath.Rel(f.spec.SourceDir, f.path)
	if err != nil {
		rel = filepath.Base(f.path)
	}
	var ops []driver.StagedOp
	for _, lang := range f.spec.Languages {
		for _, kind := range f.spec.Kinds {
			ops = append(ops, driver.StagedOp{
				CopySrc:  f.path,
				CopyDest: filepath.Join(f.spec.OutputDir, lang, kind, rel),
			})
		}
	}
	return ops
}
