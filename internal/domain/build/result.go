package build

import "time"

type ResultKind string

const (
	ResultKindNotebook ResultKind = "notebook-result"
	ResultKindImage    ResultKind = "image-result"
)

// Result is a cached successful artifact, keyed by (InputFile, ContentHash,
// OutputMetadata). A retention parameter caps the number of versions kept
// per InputFile; StoredAt orders versions within that key.
type Result struct {
	InputFile      string     `gorm:"column:input_file;not null;index:idx_results_key" json:"input_file"`
	ContentHash    string     `gorm:"column:content_hash;not null;index:idx_results_key" json:"content_hash"`
	OutputMetadata string     `gorm:"column:output_metadata;not null;index:idx_results_key" json:"output_metadata"`
	CorrelationID  string     `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	ResultKind     string     `gorm:"column:result_kind;not null" json:"result_kind"`
	ResultBlob     []byte     `gorm:"column:result_blob" json:"-"`
	SourceFile     string     `gorm:"column:source_file" json:"source_file,omitempty"`
	StoredAt       time.Time  `gorm:"column:stored_at;not null;index:idx_results_key" json:"stored_at"`
}

func (Result) TableName() string { return "results" }

type ErrorType string

const (
	ErrorTypeUser           ErrorType = "user"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeInfrastructure ErrorType = "infrastructure"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// StoredError is a cached user error. Only user errors are persisted here;
// configuration and infrastructure errors are never cached (see BuildError).
type StoredError struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	InputFile      string    `gorm:"column:input_file;not null;index:idx_errors_key" json:"input_file"`
	ContentHash    string    `gorm:"column:content_hash;not null;index:idx_errors_key" json:"content_hash"`
	OutputMetadata string    `gorm:"column:output_metadata;not null;index:idx_errors_key" json:"output_metadata"`
	ErrorType      string    `gorm:"column:error_type;not null" json:"error_type"`
	Category       string    `gorm:"column:category" json:"category,omitempty"`
	Severity       string    `gorm:"column:severity;not null" json:"severity"`
	Message        string    `gorm:"column:message;not null" json:"message"`
	FilePath       string    `gorm:"column:file_path" json:"file_path,omitempty"`
	Guidance       string    `gorm:"column:guidance" json:"guidance,omitempty"`
	StoredAt       time.Time `gorm:"column:stored_at;not null" json:"stored_at"`
}

func (StoredError) TableName() string { return "stored_errors" }

// StoredWarning accompanies either a cached result or a cached error.
// Warnings are always stored regardless of error taxonomy.
type StoredWarning struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	InputFile      string    `gorm:"column:input_file;not null;index:idx_warnings_key" json:"input_file"`
	ContentHash    string    `gorm:"column:content_hash;not null;index:idx_warnings_key" json:"content_hash"`
	OutputMetadata string    `gorm:"column:output_metadata;not null;index:idx_warnings_key" json:"output_metadata"`
	Category       string    `gorm:"column:category" json:"category,omitempty"`
	Message        string    `gorm:"column:message;not null" json:"message"`
	Severity       string    `gorm:"column:severity" json:"severity,omitempty"`
	FilePath       string    `gorm:"column:file_path" json:"file_path,omitempty"`
	StoredAt       time.Time `gorm:"column:stored_at;not null" json:"stored_at"`
}

func (StoredWarning) TableName() string { return "stored_warnings" }

// ExecutedNotebook is the execution-reuse cache entry: a fully-executed
// notebook tree written by the speaker build and read by the completed
// build, keyed without kind/format since both derive from the same execution.
type ExecutedNotebook struct {
	InputFile    string    `gorm:"column:input_file;not null;index:idx_executed_key" json:"input_file"`
	ContentHash  string    `gorm:"column:content_hash;not null;index:idx_executed_key" json:"content_hash"`
	Language     string    `gorm:"column:language;not null;index:idx_executed_key" json:"language"`
	ProgLang     string    `gorm:"column:prog_lang;not null;index:idx_executed_key" json:"prog_lang"`
	NotebookBlob []byte    `gorm:"column:notebook_blob" json:"-"`
	StoredAt     time.Time `gorm:"column:stored_at;not null" json:"stored_at"`
}

func (ExecutedNotebook) TableName() string { return "executed_notebooks" }

// Warning is the structured warning shape a worker handler attaches to its
// result; it travels inside a Job's Result blob and is later persisted as
// StoredWarning rows by the Backend's completion loop.
type Warning struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// HandlerResult is what a type-specific handler returns on success.
type HandlerResult struct {
	Bytes    []byte    `json:"-"`
	Warnings []Warning `json:"warnings"`
}
