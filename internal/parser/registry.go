package parser

import (
	"fmt"
	"os"
	"strings"
)

// Registry holds all available parsers and provides auto-detection.
type Registry struct {
	parsers []Parser
}

// Global registry instance
var globalRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		parsers: []Parser{
			NewLDXParser(),
			NewLDParser(),
		},
	}
}

// GetGlobalRegistry returns the singleton registry.
func GetGlobalRegistry() *Registry {
	return globalRegistry
}

// Register adds a new parser to the registry.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// FindParser detects the correct parser for a buffer.
func (r *Registry) FindParser(data []byte) (Parser, error) {
	ft := DetectFileType(data)
	if ft == FileTypeUnknown {
		return nil, newError(ErrInvalidData, "unknown file type", nil)
	}
	for _, p := range r.parsers {
		if p.FileType() == ft {
			return p, nil
		}
	}
	return nil, newError(ErrInvalidData, fmt.Sprintf("no parser registered for %s", ft), nil)
}

// GetParserByName returns a parser by its name. The format names "ld" and
// "ldx" are accepted as well.
func (r *Registry) GetParserByName(name string) (Parser, error) {
	name = strings.ToLower(name)
	for _, p := range r.parsers {
		if strings.ToLower(p.Name()) == name || p.FileType().String() == name {
			return p, nil
		}
	}
	return nil, newError(ErrInvalidData, fmt.Sprintf("parser not found: %s", name), nil)
}

// Parse detects the format of data and decodes it.
func (r *Registry) Parse(data []byte) (*Result, error) {
	p, err := r.FindParser(data)
	if err != nil {
		return nil, err
	}
	return p.Parse(data)
}

// ParseFile reads path and decodes it with the detected parser.
func (r *Registry) ParseFile(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return r.Parse(data)
}

// Names lists the registered parser names in detection order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.parsers))
	for i, p := range r.parsers {
		names[i] = p.Name()
	}
	return names
}
