package processor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Metadata is the subset of tags the bridge routes and audits by
type Metadata struct {
	SOPInstanceUID string `json:"sopInstanceUID"`
	StudyUID       string `json:"studyUID"`
	SeriesUID      string `json:"seriesUID"`
	SOPClassUID    string `json:"sopClassUID"`
	Modality       string `json:"modality"`
	TransferSyntax string `json:"transferSyntax"`
}

// ParseInstance decodes a DICOM Part 10 file. The input slice is only read.
func ParseInstance(data []byte) (*dicom.Dataset, Metadata, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to parse DICOM: %w", err)
	}

	meta := Metadata{
		SOPInstanceUID: stringValue(&ds, tag.SOPInstanceUID),
		StudyUID:       stringValue(&ds, tag.StudyInstanceUID),
		SeriesUID:      stringValue(&ds, tag.SeriesInstanceUID),
		SOPClassUID:    stringValue(&ds, tag.SOPClassUID),
		Modality:       stringValue(&ds, tag.Modality),
		TransferSyntax: stringValue(&ds, tag.TransferSyntaxUID),
	}
	if meta.SOPInstanceUID == "" {
		meta.SOPInstanceUID = stringValue(&ds, tag.MediaStorageSOPInstanceUID)
	}
	if meta.SOPInstanceUID == "" {
		return nil, Metadata{}, errors.New("dataset has no SOP Instance UID")
	}
	return &ds, meta, nil
}

// EncodeInstance writes ds as a new DICOM Part 10 byte slice
func EncodeInstance(ds *dicom.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	if err := dicom.Write(&buf, *ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		return nil, fmt.Errorf("failed to encode DICOM: %w", err)
	}
	return buf.Bytes(), nil
}

// stringValue returns the first string of a tag, trimmed of DICOM padding
func stringValue(ds *dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem.Value == nil || elem.Value.ValueType() != dicom.Strings {
		return ""
	}
	values, ok := elem.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	return strings.TrimRight(values[0], " \x00")
}
