package build

import "fmt"

// Kind is which flavor of output a derivative belongs to.
type Kind string

const (
	KindSpeaker    Kind = "speaker"
	KindCompleted  Kind = "completed"
	KindCodeAlong  Kind = "code_along"
)

// Format is the output shape requested for a job.
type Format string

const (
	FormatNotebook   Format = "notebook"
	FormatHTML       Format = "html"
	FormatCode       Format = "code"
	FormatEditScript Format = "edit_script"
)

// NotebookPayload is the concrete, discriminated payload for job_type =
// "notebook". It replaces the source's dynamic per-type parameter dict with
// a typed struct serialized to JSON at the DB boundary.
type NotebookPayload struct {
	NotebookText      string            `json:"notebook_text"`
	InputFilePath     string            `json:"input_file_path"`
	InputFileName     string            `json:"input_file_name"`
	OutputFilePath    string            `json:"output_file_path"`
	Kind              Kind              `json:"kind"`
	ProgLang          string            `json:"prog_lang"`
	Language          string            `json:"language"`
	Format            Format            `json:"format"`
	CorrelationID     string            `json:"correlation_id"`
	OtherFiles        map[string]string `json:"other_files,omitempty"` // relative path -> base64 bytes
	SourceTopicDir    string            `json:"source_topic_dir,omitempty"`
	SVGAvailableStems []string          `json:"svg_available_stems,omitempty"`
	ImgPathPrefix     string            `json:"img_path_prefix,omitempty"`
	InlineImages      bool              `json:"inline_images"`
	FallbackExecute   bool              `json:"fallback_execute"`
}

// OutputMetadata canonicalizes the payload fields that affect the output,
// never ones that only affect scheduling: the cache-key discriminator for
// multi-output notebook jobs.
func (p *NotebookPayload) OutputMetadata() string {
	return fmt.Sprintf("(%s, %s, %s, %s)", p.Kind, p.ProgLang, p.Language, p.Format)
}

// ImagePayload is the discriminated payload for job_type in {"plantuml",
// "drawio"}.
type ImagePayload struct {
	SourceText     string `json:"source_text"`
	InputFilePath  string `json:"input_file_path"`
	OutputFilePath string `json:"output_file_path"`
	Format         Format `json:"format"`
	CorrelationID  string `json:"correlation_id"`
	SourceTopicDir string `json:"source_topic_dir,omitempty"`
}

// OutputMetadata for image jobs is just the requested format.
func (p *ImagePayload) OutputMetadata() string { return string(p.Format) }

// Payload is what both discriminated payload variants share: the Backend
// derives cache keys from it without knowing the concrete type.
type Payload interface {
	OutputMetadata() string
}
