package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/me/renderq/internal/render"
	"gopkg.in/yaml.v3"
)

// parseStage converts "op" or "op=value" into a stage spec. For expr stages
// the value is the expression source.
func parseStage(s string) (render.StageSpec, error) {
	op, arg, hasArg := strings.Cut(s, "=")
	spec := render.StageSpec{Op: strings.TrimSpace(op)}
	if !hasArg {
		return spec, nil
	}
	if strings.EqualFold(spec.Op, "expr") {
		spec.Expr = arg
		return spec, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return spec, fmt.Errorf("stage %q: value must be an integer", s)
	}
	spec.Value = n
	return spec, nil
}

// loadStages combines a YAML pipeline file (if any) with --stage flags, in
// that order.
func loadStages(file string, flags []string) ([]render.StageSpec, error) {
	var specs []render.StageSpec
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read pipeline: %w", err)
		}
		if err := yaml.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("parse pipeline %s: %w", file, err)
		}
	}
	for _, f := range flags {
		spec, err := parseStage(f)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
