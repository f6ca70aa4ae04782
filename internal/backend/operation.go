package backend

import (
	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
)

// Service names the driver addresses operations to. Each maps 1:1 onto a
// job type; an unknown name fails the operation immediately.
const (
	ServiceNotebook = "notebook-processor"
	ServicePlantUML = "plantuml-converter"
	ServiceDrawio   = "drawio-converter"
)

// Operation is one unit of pipeline work from the driver's perspective:
// which converter, which input, where the output goes, and under which
// cache key.
type Operation struct {
	ServiceName   string
	InputFile     string
	OutputFile    string
	ContentHash   string
	CorrelationID string
}

func jobTypeForService(service string) (build.JobType, error) {
	switch service {
	case ServiceNotebook:
		return build.JobTypeNotebook, nil
	case ServicePlantUML:
		return build.JobTypePlantUML, nil
	case ServiceDrawio:
		return build.JobTypeDrawio, nil
	default:
		return "", buildtax.ErrUnknownService
	}
}

func resultKindForJobType(t build.JobType) build.ResultKind {
	if t == build.JobTypeNotebook {
		return build.ResultKindNotebook
	}
	return build.ResultKindImage
}
