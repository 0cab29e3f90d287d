package parsers

import (
	"encoding/json"

	"github.com/securebridge/dicom-bridge/internal/models"
)

// StoreEventParser parses the bridge's native store-event body
type StoreEventParser struct{}

// NewStoreEventParser creates a store-event parser
func NewStoreEventParser() *StoreEventParser {
	return &StoreEventParser{}
}

func (p *StoreEventParser) Format() string {
	return FormatStoreEvent
}

func (p *StoreEventParser) Parse(body []byte) (*models.StoreEventPayload, error) {
	var payload models.StoreEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &PayloadError{Message: "malformed JSON: " + err.Error()}
	}
	if err := validatePayload(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
