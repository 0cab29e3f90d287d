// Package parsers turns store-event request bodies into a common payload.
package parsers

import (
	"fmt"
	"sort"

	"github.com/securebridge/dicom-bridge/internal/models"
)

// Payload formats
const (
	FormatStoreEvent = "store-event"
	FormatOrthanc    = "orthanc"
)

// Parser decodes one payload format
type Parser interface {
	Format() string
	Parse(body []byte) (*models.StoreEventPayload, error)
}

// Registry maps payload formats to parsers
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates a registry holding every built-in parser
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(NewStoreEventParser())
	r.Register(NewOrthancParser())
	return r
}

// Register adds or replaces the parser for its format
func (r *Registry) Register(p Parser) {
	r.parsers[p.Format()] = p
}

// Get returns the parser for format
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser for payload format: %s", format)
	}
	return p, nil
}

// Formats lists registered formats
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
