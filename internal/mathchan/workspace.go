package mathchan

import (
	"fmt"
	"io"
	"os"

	"github.com/motec-viewer/backend/internal/models"
	"gopkg.in/yaml.v3"
)

// Definition is one math channel to compute.
type Definition struct {
	Name       string `yaml:"name" json:"name"`
	Units      string `yaml:"units,omitempty" json:"units,omitempty"`
	Expression string `yaml:"expression" json:"expression"`
}

// DefinitionFile is the YAML layout of a standalone definitions file.
type DefinitionFile struct {
	Channels []Definition `yaml:"channels"`
}

// Failure records a definition that could not be compiled or evaluated.
type Failure struct {
	Name  string `json:"name" yaml:"name"`
	Error string `json:"error" yaml:"error"`
}

// Results holds the outcome of evaluating a set of definitions.
type Results struct {
	Channels []*Channel `json:"channels" yaml:"channels"`
	Failures []Failure  `json:"failures" yaml:"failures"`
}

// DefinitionsFromWorkspace collects the Math channels of ws in document order.
func DefinitionsFromWorkspace(ws *models.Workspace) []Definition {
	var defs []Definition
	for _, ch := range ws.MathChannels() {
		defs = append(defs, Definition{
			Name:       ch.Name,
			Units:      models.StringValue(ch.Units),
			Expression: *ch.Math,
		})
	}
	return defs
}

// EvaluateWorkspace computes every math channel of ws over the samples of ld.
func EvaluateWorkspace(ws *models.Workspace, ld *models.LDFile) *Results {
	return EvaluateAll(DefinitionsFromWorkspace(ws), ld)
}

// EvaluateAll computes defs in order. A definition may reference log channels
// and any earlier definition that succeeded. Failures do not stop the rest.
func EvaluateAll(defs []Definition, ld *models.LDFile) *Results {
	res := &Results{
		Channels: make([]*Channel, 0, len(defs)),
		Failures: make([]Failure, 0),
	}

	names := ld.ChannelNames()
	var extra [][]float64

	for _, def := range defs {
		e, err := Compile(def.Name, def.Expression, names)
		if err != nil {
			res.Failures = append(res.Failures, Failure{Name: def.Name, Error: err.Error()})
			continue
		}
		e.Units = def.Units

		ch, err := e.evaluate(ld.Samples, extra)
		if err != nil {
			res.Failures = append(res.Failures, Failure{Name: def.Name, Error: err.Error()})
			continue
		}

		res.Channels = append(res.Channels, ch)
		names = append(names, def.Name)
		extra = append(extra, ch.Values)
	}

	return res
}

// LoadDefinitionsFile reads a YAML definitions file.
func LoadDefinitionsFile(path string) ([]Definition, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return LoadDefinitions(file)
}

// LoadDefinitions parses definitions from YAML. Both a top-level list and a
// document with a "channels" key are accepted.
func LoadDefinitions(r io.Reader) ([]Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var list []Definition
	if err := yaml.Unmarshal(data, &list); err != nil {
		var file DefinitionFile
		if err2 := yaml.Unmarshal(data, &file); err2 != nil {
			return nil, fmt.Errorf("invalid definitions: %w", err2)
		}
		list = file.Channels
	}

	for i, def := range list {
		if def.Name == "" {
			return nil, fmt.Errorf("definition %d: missing name", i)
		}
		if def.Expression == "" {
			return nil, fmt.Errorf("definition %q: missing expression", def.Name)
		}
	}

	return list, nil
}
