package notebook

import (
	"encoding/json"
	"strings"

	"github.com/yungbote/buildctl/internal/domain/build"
)

// Notebook is the subset of the nbformat tree this handler reads and
// rewrites. Unknown metadata survives round-trips untouched.
type Notebook struct {
	Cells         []Cell                 `json:"cells"`
	Metadata      map[string]interface{} `json:"metadata"`
	NBFormat      int                    `json:"nbformat"`
	NBFormatMinor int                    `json:"nbformat_minor"`
}

type Cell struct {
	CellType       string                 `json:"cell_type"`
	Source         StringList             `json:"source"`
	Metadata       map[string]interface{} `json:"metadata"`
	Outputs        []json.RawMessage      `json:"outputs,omitempty"`
	ExecutionCount *int                   `json:"execution_count,omitempty"`
}

// StringList accepts both nbformat source encodings: a single string or a
// list of line strings.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (s StringList) String() string { return strings.Join(s, "") }

func Parse(data []byte) (*Notebook, error) {
	var nb Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, err
	}
	return &nb, nil
}

func (nb *Notebook) Marshal() ([]byte, error) {
	return json.MarshalIndent(nb, "", " ")
}

// Tags reads the cell's metadata.tags list.
func (c *Cell) Tags() []string {
	raw, ok := c.Metadata["tags"]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(list))
	for _, t := range list {
		if s, ok := t.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

func (c *Cell) hasAnyTag(set map[string]bool) bool {
	for _, t := range c.Tags() {
		if set[t] {
			return true
		}
	}
	return false
}

// kindSpec mirrors the per-kind filtering rules: which tags delete a cell
// outright, which retain code-cell contents when contents are otherwise
// cleared, and which clear a markdown cell.
type kindSpec struct {
	deleteCell          map[string]bool
	clearCodeContents   bool
	retainCodeContents  map[string]bool
	clearMarkdownByTag  map[string]bool
}

func specForKind(kind build.Kind) kindSpec {
	switch kind {
	case build.KindCompleted:
		return kindSpec{
			deleteCell: map[string]bool{"del": true, "notes": true, "start": true},
		}
	case build.KindCodeAlong:
		return kindSpec{
			deleteCell:         map[string]bool{"alt": true, "del": true, "notes": true},
			clearCodeContents:  true,
			retainCodeContents: map[string]bool{"keep": true, "start": true},
			clearMarkdownByTag: map[string]bool{"answer": true},
		}
	default: // speaker keeps notes
		return kindSpec{
			deleteCell: map[string]bool{"del": true, "start": true},
		}
	}
}

// FilterForKind derives the kind-specific cell set from a full notebook
// tree. The input is never mutated; speaker and completed share one
// executed tree.
func FilterForKind(nb *Notebook, kind build.Kind) *Notebook {
	spec := specForKind(kind)
	out := &Notebook{
		Metadata:      nb.Metadata,
		NBFormat:      nb.NBFormat,
		NBFormatMinor: nb.NBFormatMinor,
	}
	for _, cell := range nb.Cells {
		if cell.hasAnyTag(spec.deleteCell) {
			continue
		}
		kept := cell
		switch cell.CellType {
		case "code":
			if spec.clearCodeContents && !cell.hasAnyTag(spec.retainCodeContents) {
				kept.Source = StringList{}
				kept.Outputs = nil
				kept.ExecutionCount = nil
			}
		case "markdown":
			if cell.hasAnyTag(spec.clearMarkdownByTag) {
				kept.Source = StringList{}
			}
		}
		out.Cells = append(out.Cells, kept)
	}
	return out
}
