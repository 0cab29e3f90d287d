package parsers

import (
	"encoding/json"

	"github.com/securebridge/dicom-bridge/internal/models"
)

// OrthancInstanceEvent is the body posted by the archive's legacy
// on-stored-instance script. It mirrors the archive's instance resource.
type OrthancInstanceEvent struct {
	ID            string            `json:"ID"`
	ParentSeries  string            `json:"ParentSeries"`
	ParentStudy   string            `json:"ParentStudy"`
	Modality      string            `json:"Modality"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
	Timestamp     string            `json:"Timestamp"`
}

// OrthancParser parses legacy instance events
type OrthancParser struct{}

// NewOrthancParser creates a legacy instance event parser
func NewOrthancParser() *OrthancParser {
	return &OrthancParser{}
}

func (p *OrthancParser) Format() string {
	return FormatOrthanc
}

// Parse keeps only identifiers. Patient tags in MainDicomTags are dropped.
func (p *OrthancParser) Parse(body []byte) (*models.StoreEventPayload, error) {
	var event OrthancInstanceEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, &PayloadError{Message: "malformed JSON: " + err.Error()}
	}

	tags := event.MainDicomTags
	modality := event.Modality
	if modality == "" {
		modality = tags["Modality"]
	}
	payload := &models.StoreEventPayload{
		InstanceID:     event.ID,
		StudyUID:       tags["StudyInstanceUID"],
		SeriesUID:      tags["SeriesInstanceUID"],
		SOPInstanceUID: tags["SOPInstanceUID"],
		Modality:       modality,
		Timestamp:      event.Timestamp,
	}
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	return payload, nil
}
