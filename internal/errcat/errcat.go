// Package errcat converts raw worker errors into categorized BuildError
// records. The rules are a heuristic, extensible pattern table: known
// patterns route to user/configuration/infrastructure, everything else
// defaults per job type.
package errcat

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
)

// Categorizer is stateless; it exists as a type so the pattern table can be
// extended by tests and future rules without package-level mutation.
type Categorizer struct{}

func New() *Categorizer { return &Categorizer{} }

// errorInfo is the structured shape a worker may serialize into the job's
// error column. Plain-text errors are wrapped into this with only
// ErrorMessage set.
type errorInfo struct {
	ErrorClass   string `json:"error_class"`
	ErrorMessage string `json:"error_message"`
	Traceback    string `json:"traceback"`
}

// CategorizeJobError converts a raw job error string into a BuildError.
// The raw message may be a serialized JSON dict, plain text, and may carry
// ANSI escapes; all strings are stripped before matching.
func (c *Categorizer) CategorizeJobError(jobType build.JobType, inputFile, rawError, correlationID string) *buildtax.BuildError {
	info := parseErrorMessage(stripANSI(rawError))

	switch jobType {
	case build.JobTypeNotebook:
		return c.categorizeNotebookError(inputFile, info)
	case build.JobTypePlantUML:
		return c.categorizePlantUMLError(inputFile, info)
	case build.JobTypeDrawio:
		return c.categorizeDrawioError(inputFile, info)
	default:
		return buildtax.New(
			build.ErrorTypeInfrastructure,
			"unknown_job_type",
			info.ErrorMessage,
			"This is likely a bug in buildctl. Please report this issue.",
			nil,
		)
	}
}

// CategorizeNoWorkersError is the fatal infrastructure error the Backend's
// availability gate raises when no worker of the required type ever
// activates.
func (c *Categorizer) CategorizeNoWorkersError(jobType build.JobType) *buildtax.BuildError {
	be := buildtax.New(
		build.ErrorTypeInfrastructure,
		"no_workers",
		"no "+string(jobType)+" workers available",
		"Start workers with 'buildctl start-services' or enable auto-start, "+
			"then re-run the build.",
		buildtax.ErrNoWorkers,
	)
	be.Severity = build.SeverityFatal
	return be
}

func parseErrorMessage(raw string) errorInfo {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var info errorInfo
		if err := json.Unmarshal([]byte(raw), &info); err == nil && info.ErrorMessage != "" {
			info.ErrorClass = stripANSI(info.ErrorClass)
			info.ErrorMessage = stripANSI(info.ErrorMessage)
			info.Traceback = stripANSI(info.Traceback)
			return info
		}
	}
	if raw == "" {
		raw = "Unknown error"
	}
	return errorInfo{ErrorMessage: raw}
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string { return ansiRe.ReplaceAllString(s, "") }

// notebookDetails is what parseNotebookError extracts from a notebook
// traceback: cell number, language-level error class, position, snippet.
type notebookDetails struct {
	CellNumber   int
	LineNumber   int
	ColumnNumber int
	ErrorClass   string
	ShortMessage string
	CodeSnippet  string
}

var (
	cellRe1       = regexp.MustCompile(`(?:in|at)\s+[Cc]ell\s*#?(\d+)`)
	cellRe2       = regexp.MustCompile(`[Cc]ell\s*\[?(\d+)\]?`)
	cellRe3       = regexp.MustCompile(`[Cc]ell:\s*#?(\d+)`)
	errorClassRe  = regexp.MustCompile(`(\w+(?:Error|Exception))\s*:?\s*`)
	cppErrorRe    = regexp.MustCompile(`input_line_\d+:(\d+):(\d+):\s*error:\s*(.+)`)
	clangErrorRe  = regexp.MustCompile(`:\s*(\d+):\s*(\d+):\s*error:\s*(.+)`)
	lineColonRe   = regexp.MustCompile(`[Ll]ine:\s*(\d+)`)
	lineSpaceRe   = regexp.MustCompile(`(?i)line\s+(\d+)`)
	numberedLineRe = regexp.MustCompile(`^\s*\d+:`)
)

func parseNotebookError(info errorInfo) notebookDetails {
	var d notebookDetails
	fullText := info.ErrorMessage + "\n" + info.Traceback

	for _, re := range []*regexp.Regexp{cellRe1, cellRe2, cellRe3} {
		if m := re.FindStringSubmatch(fullText); m != nil {
			d.CellNumber, _ = strconv.Atoi(m[1])
			break
		}
	}

	if m := errorClassRe.FindStringSubmatchIndex(fullText); m != nil {
		d.ErrorClass = fullText[m[2]:m[3]]
		rest := fullText[m[1]:]
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			rest = rest[:i]
		}
		d.ShortMessage = strings.TrimSpace(rest)
	}

	// xeus-cling style compiler errors take precedence over the generic
	// error-class match: "input_line_N:L:C: error: msg".
	if m := cppErrorRe.FindStringSubmatch(fullText); m != nil {
		d.LineNumber, _ = strconv.Atoi(m[1])
		d.ColumnNumber, _ = strconv.Atoi(m[2])
		d.ErrorClass = "CompilationError"
		d.ShortMessage = firstLine(m[3])
	} else if m := clangErrorRe.FindStringSubmatch(fullText); m != nil {
		d.LineNumber, _ = strconv.Atoi(m[1])
		d.ColumnNumber, _ = strconv.Atoi(m[2])
		d.ErrorClass = "CompilationError"
		d.ShortMessage = firstLine(m[3])
	}

	if d.LineNumber == 0 {
		if m := lineColonRe.FindStringSubmatch(fullText); m != nil {
			d.LineNumber, _ = strconv.Atoi(m[1])
		} else if m := lineSpaceRe.FindStringSubmatch(fullText); m != nil {
			d.LineNumber, _ = strconv.Atoi(m[1])
		}
	}

	d.CodeSnippet = extractCodeSnippet(fullText)
	return d
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func extractCodeSnippet(fullText string) string {
	var lines []string
	inBlock := false
	for _, line := range strings.Split(fullText, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case numberedLineRe.MatchString(line):
			lines = append(lines, trimmed)
			inBlock = true
		case strings.HasPrefix(trimmed, ">>>") || strings.HasPrefix(trimmed, "..."):
			lines = append(lines, trimmed)
			inBlock = true
		case strings.Contains(line, "--->"):
			lines = append(lines, trimmed)
			inBlock = true
		case inBlock && trimmed == "":
			goto done
		}
	}
done:
	if len(lines) == 0 {
		return ""
	}
	if len(lines) > 10 {
		return strings.Join(lines[:10], "\n") + "\n... (truncated)"
	}
	return strings.Join(lines, "\n")
}

func (c *Categorizer) categorizeNotebookError(inputFile string, info errorInfo) *buildtax.BuildError {
	d := parseNotebookError(info)
	msgLower := strings.ToLower(info.ErrorMessage + "\n" + info.Traceback)

	cellInfo := ""
	if d.CellNumber > 0 {
		cellInfo = " in cell #" + strconv.Itoa(d.CellNumber)
	}

	message := info.ErrorMessage
	if d.ShortMessage != "" && d.ErrorClass != "" {
		message = d.ErrorClass + ": " + d.ShortMessage
	}
	if d.CodeSnippet != "" {
		message += "\n" + d.CodeSnippet
	}

	switch {
	case strings.Contains(msgLower, "template not found") ||
		strings.Contains(msgLower, "templatenotfound"):
		return c.build(build.ErrorTypeConfiguration, "missing_template", message, inputFile,
			"Ensure Jinja templates are available in the template directory")

	case strings.Contains(msgLower, "worker timeout") ||
		strings.Contains(msgLower, "timed out"):
		return c.build(build.ErrorTypeInfrastructure, "worker_timeout", message, inputFile,
			"Worker timed out. Check worker logs with 'buildctl monitor'")

	case strings.Contains(msgLower, "modulenotfounderror") ||
		strings.Contains(msgLower, "no module named"):
		return c.build(build.ErrorTypeUser, "missing_module", message, inputFile,
			"Install the required module or check your imports")

	case d.ErrorClass == "SyntaxError" || d.ErrorClass == "IndentationError" ||
		d.ErrorClass == "CompilationError":
		return c.build(build.ErrorTypeUser, "syntax_error", message, inputFile,
			"Fix the "+d.ErrorClass+cellInfo+" in your notebook")

	case d.ErrorClass != "":
		return c.build(build.ErrorTypeUser, "cell_execution", message, inputFile,
			"Fix the error"+cellInfo+" in your notebook")

	default:
		return c.build(build.ErrorTypeUser, "notebook_processing", message, inputFile,
			"Check your notebook for errors"+cellInfo)
	}
}

func (c *Categorizer) categorizePlantUMLError(inputFile string, info errorInfo) *buildtax.BuildError {
	message := info.ErrorMessage
	lower := strings.ToLower(message)

	// Specific tool-missing patterns only; generic "not found" could be an
	// input-file error.
	missingTool := strings.Contains(message, "PLANTUML_JAR") ||
		strings.Contains(lower, "plantuml jar not found") ||
		strings.Contains(lower, "java: command not found") ||
		strings.Contains(lower, "java: not found") ||
		strings.Contains(lower, "'java' is not recognized") ||
		(strings.Contains(lower, "command failed with non-retriable error") &&
			(strings.Contains(lower, "errno 2") || strings.Contains(lower, "filenotfounderror")))

	if missingTool {
		return c.build(build.ErrorTypeConfiguration, "missing_plantuml", message, inputFile,
			"Install PlantUML JAR and set the PLANTUML_JAR environment variable. "+
				"See documentation for setup instructions.")
	}

	if isInputFileMissing(lower, info.ErrorClass, ".puml") {
		return c.build(build.ErrorTypeConfiguration, "missing_input_file", message, inputFile,
			inputFileGuidance(lower))
	}

	return c.build(build.ErrorTypeUser, "plantuml_syntax", message, inputFile,
		"Check your PlantUML diagram syntax")
}

func (c *Categorizer) categorizeDrawioError(inputFile string, info errorInfo) *buildtax.BuildError {
	message := info.ErrorMessage
	lower := strings.ToLower(message)

	missingTool := strings.Contains(message, "DRAWIO_EXECUTABLE") ||
		strings.Contains(lower, "drawio executable not found") ||
		strings.Contains(lower, "drawio: command not found") ||
		strings.Contains(lower, "drawio: not found") ||
		strings.Contains(lower, "'drawio' is not recognized") ||
		(strings.Contains(lower, "command failed with non-retriable error") &&
			(strings.Contains(lower, "errno 2") || strings.Contains(lower, "filenotfounderror")))

	if missingTool {
		return c.build(build.ErrorTypeConfiguration, "missing_drawio", message, inputFile,
			"Install Draw.io desktop and set the DRAWIO_EXECUTABLE environment variable. "+
				"See documentation for setup instructions.")
	}

	if isInputFileMissing(lower, info.ErrorClass, ".drawio") {
		return c.build(build.ErrorTypeConfiguration, "missing_input_file", message, inputFile,
			inputFileGuidance(lower))
	}

	v8Crash := strings.Contains(lower, "disallowjavascriptexecutionscope") ||
		strings.Contains(lower, "fatal error in") ||
		strings.Contains(lower, "v8 error")
	if v8Crash {
		return c.build(build.ErrorTypeInfrastructure, "drawio_crash", message, inputFile,
			"Draw.io crashed during conversion. This may be a transient error. "+
				"Try running the build again, or check the Draw.io installation.")
	}

	return c.build(build.ErrorTypeUser, "drawio_processing", message, inputFile,
		"Check your Draw.io diagram for errors")
}

func isInputFileMissing(lower, errorClass, ext string) bool {
	return strings.Contains(lower, "input file not found") ||
		(errorClass == "FileNotFoundError" && strings.Contains(lower, "input")) ||
		(strings.Contains(lower, "no such file or directory") && strings.Contains(lower, ext))
}

func inputFileGuidance(lower string) string {
	if strings.Contains(lower, "docker container") || strings.Contains(lower, "docker mount") {
		return "The input file could not be found inside the container. This usually " +
			"means the volume mount is misconfigured. Verify: (1) the file exists on " +
			"the host, (2) the data directory is correctly specified, (3) the container " +
			"runtime has access to the file path."
	}
	return "The input file could not be found. Verify the file path is correct and the file exists."
}

func (c *Categorizer) build(t build.ErrorType, category, message, filePath, guidance string) *buildtax.BuildError {
	be := buildtax.New(t, category, message, guidance, nil)
	be.FilePath = filePath
	return be
}
