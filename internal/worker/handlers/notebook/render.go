package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yungbote/buildctl/internal/domain/build"
)

func commentPrefix(progLang string) string {
	switch strings.ToLower(progLang) {
	case "cpp", "c++", "java", "csharp", "rust", "typescript", "javascript":
		return "//"
	default:
		return "#"
	}
}

// RenderCode extracts code cells into a runnable source file, markdown
// cells becoming comment blocks.
func RenderCode(nb *Notebook, progLang string) []byte {
	prefix := commentPrefix(progLang)
	var buf bytes.Buffer
	for _, cell := range nb.Cells {
		switch cell.CellType {
		case "code":
			src := cell.Source.String()
			if strings.TrimSpace(src) == "" {
				continue
			}
			buf.WriteString(src)
			if !strings.HasSuffix(src, "\n") {
				buf.WriteByte('\n')
			}
			buf.WriteByte('\n')
		case "markdown":
			for _, line := range strings.Split(strings.TrimRight(cell.Source.String(), "\n"), "\n") {
				buf.WriteString(prefix + " " + line + "\n")
			}
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// RenderEditScript emits code cells as numbered percent-style blocks, the
// form live-coding tooling steps through one cell at a time.
func RenderEditScript(nb *Notebook, progLang string) []byte {
	prefix := commentPrefix(progLang)
	var buf bytes.Buffer
	n := 0
	for _, cell := range nb.Cells {
		if cell.CellType != "code" {
			continue
		}
		src := cell.Source.String()
		if strings.TrimSpace(src) == "" {
			continue
		}
		n++
		fmt.Fprintf(&buf, "%s %%%% cell %d\n", prefix, n)
		buf.WriteString(src)
		if !strings.HasSuffix(src, "\n") {
			buf.WriteByte('\n')
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// RenderHTML produces a standalone HTML document from an (already filtered,
// already executed) notebook tree.
func RenderHTML(nb *Notebook, payload *build.NotebookPayload) []byte {
	var buf bytes.Buffer
	title := html.EscapeString(payload.InputFileName)

	buf.WriteString("<!DOCTYPE html>\n<html lang=\"" + html.EscapeString(payload.Language) + "\">\n<head>\n")
	buf.WriteString("<meta charset=\"utf-8\">\n<title>" + title + "</title>\n")
	buf.WriteString("<style>\n" + htmlStyle + "</style>\n</head>\n<body>\n")
	fmt.Fprintf(&buf, "<main class=\"notebook kind-%s\">\n", html.EscapeString(string(payload.Kind)))

	for _, cell := range nb.Cells {
		switch cell.CellType {
		case "markdown":
			buf.WriteString("<section class=\"cell markdown\">\n")
			buf.WriteString(renderMarkdown(cell.Source.String(), payload))
			buf.WriteString("</section>\n")
		case "code":
			buf.WriteString("<section class=\"cell code\">\n<pre><code>")
			buf.WriteString(html.EscapeString(cell.Source.String()))
			buf.WriteString("</code></pre>\n")
			for _, out := range cell.Outputs {
				buf.WriteString(renderOutput(out, payload))
			}
			buf.WriteString("</section>\n")
		}
	}

	buf.WriteString("</main>\n</body>\n</html>\n")
	return buf.Bytes()
}

var mdImageRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

// renderMarkdown covers the handful of constructs course notebooks actually
// use: headings, fenced code, images, paragraphs. Anything else passes
// through escaped.
func renderMarkdown(src string, payload *build.NotebookPayload) string {
	var buf bytes.Buffer
	inCode := false
	inPara := false
	closePara := func() {
		if inPara {
			buf.WriteString("</p>\n")
			inPara = false
		}
	}
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "```"):
			closePara()
			if inCode {
				buf.WriteString("</code></pre>\n")
			} else {
				buf.WriteString("<pre><code>")
			}
			inCode = !inCode
		case inCode:
			buf.WriteString(html.EscapeString(line) + "\n")
		case strings.HasPrefix(trimmed, "#"):
			closePara()
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' && level < 6 {
				level++
			}
			text := strings.TrimSpace(trimmed[level:])
			fmt.Fprintf(&buf, "<h%d>%s</h%d>\n", level, html.EscapeString(text), level)
		case mdImageRe.MatchString(trimmed):
			closePara()
			m := mdImageRe.FindStringSubmatch(trimmed)
			name := m[2]
			if i := strings.LastIndexByte(name, '/'); i >= 0 {
				name = name[i+1:]
			}
			fmt.Fprintf(&buf, "<img src=%q alt=%q>\n",
				ImageRef(payload, name), m[1])
		case trimmed == "":
			closePara()
		default:
			if !inPara {
				buf.WriteString("<p>")
				inPara = true
			} else {
				buf.WriteByte(' ')
			}
			buf.WriteString(html.EscapeString(trimmed))
		}
	}
	if inCode {
		buf.WriteString("</code></pre>\n")
	}
	closePara()
	return buf.String()
}

// renderOutput translates one nbformat output object. A PNG image output
// becomes a base64 data URI when inline_images is set; otherwise it is left
// out of the HTML (no img/ reference is emitted for it).
func renderOutput(raw json.RawMessage, payload *build.NotebookPayload) string {
	var out struct {
		OutputType string                 `json:"output_type"`
		Text       StringList             `json:"text"`
		Data       map[string]interface{} `json:"data"`
		EName      string                 `json:"ename"`
		EValue     string                 `json:"evalue"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	switch out.OutputType {
	case "stream":
		return "<pre class=\"output stream\">" + html.EscapeString(out.Text.String()) + "</pre>\n"
	case "error":
		return "<pre class=\"output error\">" + html.EscapeString(out.EName+": "+out.EValue) + "</pre>\n"
	case "execute_result", "display_data":
		if png, ok := out.Data["image/png"].(string); ok {
			if payload.InlineImages {
				return "<img src=\"data:image/png;base64," + strings.TrimSpace(png) + "\">\n"
			}
			return "" // externalized images are copied by the copy stage
		}
		if txt, ok := out.Data["text/plain"].(string); ok {
			return "<pre class=\"output result\">" + html.EscapeString(txt) + "</pre>\n"
		}
		if txtList, ok := out.Data["text/plain"].([]interface{}); ok {
			var sb strings.Builder
			for _, t := range txtList {
				if s, ok := t.(string); ok {
					sb.WriteString(s)
				}
			}
			return "<pre class=\"output result\">" + html.EscapeString(sb.String()) + "</pre>\n"
		}
	}
	return ""
}

// ImageRef resolves a notebook image reference to the path the HTML should
// use, rewriting PNG references to SVG when an SVG sibling exists.
func ImageRef(payload *build.NotebookPayload, name string) string {
	stem := strings.TrimSuffix(name, ".png")
	if stem != name {
		for _, s := range payload.SVGAvailableStems {
			if s == stem {
				name = stem + ".svg"
				break
			}
		}
	}
	if payload.ImgPathPrefix != "" {
		return payload.ImgPathPrefix + "/" + name
	}
	return "img/" + name
}

const htmlStyle = `body { font-family: system-ui, sans-serif; margin: 2rem auto; max-width: 56rem; }
.cell { margin: 1rem 0; }
.cell.code pre { background: #f6f8fa; padding: 0.75rem; border-radius: 6px; overflow-x: auto; }
.output.stream, .output.result { background: #fff; border-left: 3px solid #d0d7de; padding: 0.5rem 0.75rem; }
.output.error { background: #fff5f5; border-left: 3px solid #d73a49; padding: 0.5rem 0.75rem; }
`
