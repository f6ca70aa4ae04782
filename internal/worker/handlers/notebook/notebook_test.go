package notebook

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/yungbote/buildctl/internal/domain/build"
)

const sampleNotebook = `{
 "cells": [
  {"cell_type": "markdown", "source": ["# Title"], "metadata": {}},
  {"cell_type": "markdown", "source": ["speaker only"], "metadata": {"tags": ["notes"]}},
  {"cell_type": "code", "source": ["x = 1\n", "print(x)\n"], "metadata": {}, "outputs": []},
  {"cell_type": "code", "source": ["setup()\n"], "metadata": {"tags": ["keep"]}, "outputs": []},
  {"cell_type": "code", "source": ["solution()\n"], "metadata": {"tags": ["alt"]}, "outputs": []},
  {"cell_type": "markdown", "source": ["the answer is 42"], "metadata": {"tags": ["answer"]}},
  {"cell_type": "code", "source": ["scratch\n"], "metadata": {"tags": ["del"]}, "outputs": []},
  {"cell_type": "markdown", "source": ["ignored"], "metadata": {"tags": ["start"]}}
 ],
 "metadata": {"kernelspec": {"name": "python3"}},
 "nbformat": 4,
 "nbformat_minor": 5
}`

func parseSample(t *testing.T) *Notebook {
	t.Helper()
	nb, err := Parse([]byte(sampleNotebook))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return nb
}

func sources(nb *Notebook) []string {
	out := make([]string, 0, len(nb.Cells))
	for _, c := range nb.Cells {
		out = append(out, c.Source.String())
	}
	return out
}

func TestSpeakerKeepsNotes(t *testing.T) {
	nb := parseSample(t)
	got := FilterForKind(nb, build.KindSpeaker)

	// del and start cells go; notes stay.
	if len(got.Cells) != 6 {
		t.Fatalf("cell count = %d: %q", len(got.Cells), sources(got))
	}
	joined := strings.Join(sources(got), "|")
	if !strings.Contains(joined, "speaker only") {
		t.Fatal("speaker output lost the notes cell")
	}
	if strings.Contains(joined, "scratch") || strings.Contains(joined, "ignored") {
		t.Fatal("del/start cells survived")
	}
}

func TestCompletedDropsNotes(t *testing.T) {
	nb := parseSample(t)
	got := FilterForKind(nb, build.KindCompleted)

	joined := strings.Join(sources(got), "|")
	if strings.Contains(joined, "speaker only") {
		t.Fatal("completed output kept the notes cell")
	}
	// Code contents are untouched.
	if !strings.Contains(joined, "solution()") || !strings.Contains(joined, "x = 1") {
		t.Fatalf("completed output lost code: %q", joined)
	}
}

func TestCodeAlongClearsCodeExceptKeep(t *testing.T) {
	nb := parseSample(t)
	got := FilterForKind(nb, build.KindCodeAlong)

	joined := strings.Join(sources(got), "|")
	if strings.Contains(joined, "speaker only") || strings.Contains(joined, "solution()") {
		t.Fatal("notes/alt cells survived code-along filter")
	}
	if strings.Contains(joined, "x = 1") {
		t.Fatal("untagged code cell contents survived")
	}
	if !strings.Contains(joined, "setup()") {
		t.Fatal("keep-tagged cell was cleared")
	}
	if strings.Contains(joined, "the answer is 42") {
		t.Fatal("answer markdown survived")
	}
}

func TestFilterDoesNotMutateInput(t *testing.T) {
	nb := parseSample(t)
	before := len(nb.Cells)
	_ = FilterForKind(nb, build.KindCodeAlong)
	if len(nb.Cells) != before {
		t.Fatal("input notebook mutated")
	}
	if nb.Cells[2].Source.String() == "" {
		t.Fatal("input cell contents cleared")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	nb := parseSample(t)
	data, err := nb.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(again.Cells) != len(nb.Cells) || again.NBFormat != 4 {
		t.Fatalf("round trip lost structure: %d cells", len(again.Cells))
	}
}

func TestStringListAcceptsBothEncodings(t *testing.T) {
	var c Cell
	if err := json.Unmarshal([]byte(`{"cell_type":"code","source":"just a string"}`), &c); err != nil {
		t.Fatalf("single string: %v", err)
	}
	if c.Source.String() != "just a string" {
		t.Fatalf("got %q", c.Source.String())
	}
}

func TestRenderCode(t *testing.T) {
	nb := parseSample(t)
	filtered := FilterForKind(nb, build.KindCompleted)
	code := string(RenderCode(filtered, "python"))

	if !strings.Contains(code, "x = 1") || !strings.Contains(code, "# # Title") {
		t.Fatalf("code render: %q", code)
	}
	cpp := string(RenderCode(filtered, "cpp"))
	if !strings.Contains(cpp, "// # Title") {
		t.Fatalf("cpp comment prefix: %q", cpp)
	}
}

func TestRenderEditScriptNumbersCells(t *testing.T) {
	nb := parseSample(t)
	filtered := FilterForKind(nb, build.KindCompleted)
	script := string(RenderEditScript(filtered, "python"))
	if !strings.Contains(script, "# %% cell 1") || !strings.Contains(script, "# %% cell 3") {
		t.Fatalf("edit script: %q", script)
	}
}

func TestRenderHTML(t *testing.T) {
	nb := parseSample(t)
	payload := &build.NotebookPayload{
		InputFileName: "sample.ipynb",
		Kind:          build.KindSpeaker,
		Language:      "en",
	}
	html := string(RenderHTML(FilterForKind(nb, build.KindSpeaker), payload))

	for _, want := range []string{"<h1>Title</h1>", "x = 1", "kind-speaker", "<title>sample.ipynb</title>"} {
		if !strings.Contains(html, want) {
			t.Fatalf("html missing %q:\n%s", want, html)
		}
	}
	// Code is escaped, not executed as markup.
	if strings.Contains(html, "<x = 1") {
		t.Fatal("unescaped code")
	}
}

func TestImageRefRewritesPNGToSVG(t *testing.T) {
	p := &build.NotebookPayload{SVGAvailableStems: []string{"diagram"}}
	if got := ImageRef(p, "diagram.png"); got != "img/diagram.svg" {
		t.Fatalf("svg rewrite: %q", got)
	}
	if got := ImageRef(p, "photo.png"); got != "img/photo.png" {
		t.Fatalf("no-svg passthrough: %q", got)
	}
	p.ImgPathPrefix = "../img"
	if got := ImageRef(p, "diagram.png"); got != "../img/diagram.svg" {
		t.Fatalf("prefix: %q", got)
	}
}
