package render

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StageSpec describes one pipeline stage in a request body or config file.
//
//	- op: brightness
//	  value: 20
//	- op: expr
//	  expr: "[b, g, r]"
type StageSpec struct {
	Op    string `json:"op" yaml:"op"`
	Value int    `json:"value,omitempty" yaml:"value,omitempty"`
	Expr  string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// StageError reports which stage of a spec list could not be built.
type StageError struct {
	Index int
	Op    string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Index, e.Op, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewPipeline builds a pipeline from stage specs.
func NewPipeline(specs []StageSpec) (Pipeline, error) {
	p := make(Pipeline, 0, len(specs))
	for i, spec := range specs {
		t, err := spec.Transform()
		if err != nil {
			return nil, &StageError{Index: i, Op: spec.Op, Err: err}
		}
		p = append(p, t)
	}
	return p, nil
}

// Transform builds the stage the spec names.
func (s StageSpec) Transform() (Transform, error) {
	switch strings.ToLower(strings.TrimSpace(s.Op)) {
	case "invert":
		return Invert, nil
	case "grayscale", "greyscale":
		return Grayscale, nil
	case "brightness":
		if s.Value < -255 || s.Value > 255 {
			return nil, fmt.Errorf("brightness %d out of range -255..255", s.Value)
		}
		return Brightness(s.Value), nil
	case "threshold":
		if s.Value < 0 || s.Value > 255 {
			return nil, fmt.Errorf("threshold %d out of range 0..255", s.Value)
		}
		return Threshold(s.Value), nil
	case "expr":
		return Expr(s.Expr)
	case "":
		return nil, fmt.Errorf("missing op")
	default:
		return nil, fmt.Errorf("unknown op %q", s.Op)
	}
}

// ParsePipelineYAML decodes a YAML list of stage specs into a pipeline.
func ParsePipelineYAML(data []byte) (Pipeline, []StageSpec, error) {
	var specs []StageSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, nil, fmt.Errorf("parse pipeline: %w", err)
	}
	p, err := NewPipeline(specs)
	if err != nil {
		return nil, nil, err
	}
	return p, specs, nil
}
