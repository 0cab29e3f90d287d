package queue

import (
	"strings"

	"github.com/securebridge/dicom-bridge/internal/models"
)

// PriorityFor maps a DICOM modality code to a queue priority.
// Angiography runs first, then cross-sectional, then projection radiography.
func PriorityFor(modality string) models.Priority {
	switch strings.ToUpper(strings.TrimSpace(modality)) {
	case "XA":
		return models.PriorityAngiography
	case "CT", "MR":
		return models.PriorityCrossSection
	case "CR", "DX", "DR", "RF", "MG":
		return models.PriorityRadiography
	default:
		return models.PriorityOther
	}
}
