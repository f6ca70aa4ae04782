// Package imagedemo is a reference image handler: it rasterizes the
// diagram's name onto a labeled canvas instead of invoking an external
// converter. It backs the image-result pipeline in environments without
// PlantUML or Draw.io installed (demo builds, loop tests) and doubles as
// the template for writing new image handlers.
package imagedemo

import (
	"bytes"
	"fmt"
	"image/color"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/worker"
)

const (
	canvasW = 640
	canvasH = 400
)

type Handler struct {
	jobType  build.JobType
	fontFace font.Face
}

// New builds a handler registered under the given image job type, so the
// same renderer can stand in for either converter.
func New(jobType build.JobType) (*Handler, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse embedded font: %w", err)
	}
	face := truetype.NewFace(f, &truetype.Options{Size: 28})
	return &Handler{jobType: jobType, fontFace: face}, nil
}

func (h *Handler) Type() build.JobType { return h.jobType }

func (h *Handler) Run(jc *worker.Context) (*build.HandlerResult, error) {
	payload, err := jc.DecodeImagePayload()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.SourceText) == "" {
		return nil, buildtax.ErrEmptyResult
	}
	if jc.Cancelled() {
		return nil, buildtax.ErrJobCancelled
	}

	label := filepath.Base(payload.InputFilePath)

	dc := gg.NewContext(canvasW, canvasH)
	dc.SetColor(color.White)
	dc.DrawRectangle(0, 0, canvasW, canvasH)
	dc.Fill()

	dc.SetColor(color.RGBA{R: 0x2b, G: 0x4c, B: 0x7e, A: 0xff})
	dc.SetLineWidth(4)
	dc.DrawRoundedRectangle(8, 8, canvasW-16, canvasH-16, 12)
	dc.Stroke()

	dc.SetFontFace(h.fontFace)
	dc.SetColor(color.RGBA{R: 0x2b, G: 0x4c, B: 0x7e, A: 0xff})
	tw, th := dc.MeasureString(label)
	dc.DrawString(label, (canvasW-tw)/2, (canvasH+th)/2)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode placeholder png: %w", err)
	}

	return &build.HandlerResult{
		Bytes: buf.Bytes(),
		Warnings: []build.Warning{{
			Category: string(h.jobType),
			Message:  "rendered placeholder image (no converter configured)",
			Severity: string(build.SeverityWarning),
			FilePath: payload.InputFilePath,
		}},
	}, nil
}
