package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// PseudonymLength is the number of hex characters kept from the HMAC
const PseudonymLength = 16

// DefaultIDPrefix prefixes pseudonymized Patient IDs
const DefaultIDPrefix = "ANON"

// identifyingTags are blanked when present. Study, series and instance
// UIDs are kept so results can be matched back by the archive.
var identifyingTags = []tag.Tag{
	tag.PatientBirthDate,
	{Group: 0x0010, Element: 0x1000}, // Other Patient IDs
	{Group: 0x0010, Element: 0x1001}, // Other Patient Names
	{Group: 0x0010, Element: 0x1040}, // Patient's Address
	{Group: 0x0010, Element: 0x2154}, // Patient's Telephone Numbers
	{Group: 0x0008, Element: 0x0090}, // Referring Physician's Name
	{Group: 0x0008, Element: 0x0081}, // Institution Address
}

// AnonymizeResult summarizes what was changed
type AnonymizeResult struct {
	Pseudonym string
	Blanked   int
}

// Pseudonym derives the stable pseudonym for a patient ID: the first 16
// upper-case hex characters of HMAC-SHA256(key, patientID)
func Pseudonym(key []byte, patientID string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(patientID))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))[:PseudonymLength]
}

// Anonymize replaces patient identity in ds in place. ds must be a parsed
// copy, never the archive's bytes.
func Anonymize(ds *dicom.Dataset, key []byte, idPrefix string) (AnonymizeResult, error) {
	if len(key) == 0 {
		return AnonymizeResult{}, errors.New("pseudonymization key is empty")
	}
	if idPrefix == "" {
		idPrefix = DefaultIDPrefix
	}

	patientID := stringValue(ds, tag.PatientID)
	if patientID == "" {
		return AnonymizeResult{}, errors.New("dataset has no Patient ID")
	}
	pseudonym := Pseudonym(key, patientID)

	if err := setString(ds, tag.PatientID, idPrefix+"-"+pseudonym); err != nil {
		return AnonymizeResult{}, err
	}
	if _, err := ds.FindElementByTag(tag.PatientName); err == nil {
		if err := setString(ds, tag.PatientName, "ANON^"+pseudonym); err != nil {
			return AnonymizeResult{}, err
		}
	}

	result := AnonymizeResult{Pseudonym: pseudonym}
	for _, t := range identifyingTags {
		if _, err := ds.FindElementByTag(t); err != nil {
			continue
		}
		if err := setString(ds, t, ""); err != nil {
			return AnonymizeResult{}, err
		}
		result.Blanked++
	}
	return result, nil
}

func setString(ds *dicom.Dataset, t tag.Tag, value string) error {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return fmt.Errorf("tag %s not present: %w", t, err)
	}
	v, err := dicom.NewValue([]string{value})
	if err != nil {
		return fmt.Errorf("failed to build value for %s: %w", t, err)
	}
	elem.Value = v
	return nil
}
