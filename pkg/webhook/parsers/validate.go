package parsers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/securebridge/dicom-bridge/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PayloadError reports a body that is not a usable store event. Fields
// names the offending JSON fields when validation failed on them.
type PayloadError struct {
	Message string
	Fields  []string
}

func (e *PayloadError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Fields, ", "))
}

// IsPayloadError reports whether err came from payload decoding or validation
func IsPayloadError(err error) bool {
	var pe *PayloadError
	return errors.As(err, &pe)
}

func validatePayload(p *models.StoreEventPayload) error {
	p.InstanceID = strings.TrimSpace(p.InstanceID)
	p.SOPInstanceUID = strings.TrimSpace(p.SOPInstanceUID)
	p.Modality = strings.ToUpper(strings.TrimSpace(p.Modality))

	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &PayloadError{Message: err.Error()}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return &PayloadError{Message: "invalid store event", Fields: fields}
}
