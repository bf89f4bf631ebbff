package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag identifies a DICOM attribute by group and element number.
type Tag struct {
	Group   uint16 `json:"group"`
	Element uint16 `json:"element"`
}

// NewTag creates a tag from its group and element numbers.
func NewTag(group, element uint16) Tag {
	return Tag{Group: group, Element: element}
}

// String returns the canonical 8 hex digit form, e.g. "00100010".
func (t Tag) String() string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

// IsPrivate reports whether the tag belongs to a private group (odd group number).
func (t Tag) IsPrivate() bool {
	return t.Group%2 == 1
}

// Keyword returns the dictionary keyword for the tag, or "" when it is not in the dictionary.
func (t Tag) Keyword() string {
	if e, ok := dictionaryByTag[t]; ok {
		return e.keyword
	}
	return ""
}

// DefaultVR returns the dictionary VR for the tag.
func (t Tag) DefaultVR() (VR, bool) {
	e, ok := dictionaryByTag[t]
	if !ok {
		return "", false
	}
	return e.vr, true
}

// ParseTag parses either an 8 hex digit tag ("00100010") or a dictionary keyword ("PatientName").
func ParseTag(text string) (Tag, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Tag{}, fmt.Errorf("%w: empty tag", ErrInvalidTag)
	}

	if len(s) == 8 {
		if v, err := strconv.ParseUint(s, 16, 32); err == nil {
			return Tag{Group: uint16(v >> 16), Element: uint16(v)}, nil
		}
	}

	if e, ok := dictionaryByKeyword[s]; ok {
		return e.tag, nil
	}
	return Tag{}, fmt.Errorf("%w: %q", ErrInvalidTag, text)
}

// ParseTagPath parses a dotted attribute path such as "00400275.0020000D".
// Each segment is parsed with ParseTag.
func ParseTagPath(text string) ([]Tag, error) {
	parts := strings.Split(strings.TrimSpace(text), ".")
	tags := make([]Tag, 0, len(parts))
	for _, p := range parts {
		tag, err := ParseTag(p)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// FormatTagPath joins tags back into the canonical dotted path form.
func FormatTagPath(tags []Tag) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = t.String()
	}
	return strings.Join(parts, ".")
}

type dictionaryEntry struct {
	tag     Tag
	keyword string
	vr      VR
}

// dictionary is a small subset of the DICOM data dictionary: the core indexed
// attributes plus the attributes commonly added as extended query tags.
var dictionary = []dictionaryEntry{
	{NewTag(0x0008, 0x0016), "SOPClassUID", VRUI},
	{NewTag(0x0008, 0x0018), "SOPInstanceUID", VRUI},
	{NewTag(0x0008, 0x0020), "StudyDate", VRDA},
	{NewTag(0x0008, 0x0021), "SeriesDate", VRDA},
	{NewTag(0x0008, 0x0023), "ContentDate", VRDA},
	{NewTag(0x0008, 0x002A), "AcquisitionDateTime", VRDT},
	{NewTag(0x0008, 0x0030), "StudyTime", VRTM},
	{NewTag(0x0008, 0x0031), "SeriesTime", VRTM},
	{NewTag(0x0008, 0x0050), "AccessionNumber", VRSH},
	{NewTag(0x0008, 0x0060), "Modality", VRCS},
	{NewTag(0x0008, 0x0070), "Manufacturer", VRLO},
	{NewTag(0x0008, 0x0080), "InstitutionName", VRLO},
	{NewTag(0x0008, 0x0090), "ReferringPhysicianName", VRPN},
	{NewTag(0x0008, 0x1030), "StudyDescription", VRLO},
	{NewTag(0x0008, 0x103E), "SeriesDescription", VRLO},
	{NewTag(0x0008, 0x1090), "ManufacturerModelName", VRLO},
	{NewTag(0x0010, 0x0010), "PatientName", VRPN},
	{NewTag(0x0010, 0x0020), "PatientID", VRLO},
	{NewTag(0x0010, 0x0030), "PatientBirthDate", VRDA},
	{NewTag(0x0010, 0x0040), "PatientSex", VRCS},
	{NewTag(0x0010, 0x1010), "PatientAge", VRAS},
	{NewTag(0x0010, 0x1030), "PatientWeight", VRDS},
	{NewTag(0x0018, 0x0015), "BodyPartExamined", VRCS},
	{NewTag(0x0018, 0x0050), "SliceThickness", VRDS},
	{NewTag(0x0018, 0x1000), "DeviceSerialNumber", VRLO},
	{NewTag(0x0018, 0x1030), "ProtocolName", VRLO},
	{NewTag(0x0020, 0x000D), "StudyInstanceUID", VRUI},
	{NewTag(0x0020, 0x000E), "SeriesInstanceUID", VRUI},
	{NewTag(0x0020, 0x0011), "SeriesNumber", VRIS},
	{NewTag(0x0020, 0x0013), "InstanceNumber", VRIS},
	{NewTag(0x0028, 0x0010), "Rows", VRUS},
	{NewTag(0x0028, 0x0011), "Columns", VRUS},
	{NewTag(0x0040, 0x0244), "PerformedProcedureStepStartDate", VRDA},
	{NewTag(0x0040, 0x0275), "RequestAttributesSequence", VRSQ},
	{NewTag(0x0054, 0x1330), "ImageIndex", VRUS},
	{NewTag(0x0018, 0x9073), "AcquisitionDuration", VRFD},
}

var (
	dictionaryByTag     = make(map[Tag]dictionaryEntry, len(dictionary))
	dictionaryByKeyword = make(map[string]dictionaryEntry, len(dictionary))
)

func init() {
	for _, e := range dictionary {
		dictionaryByTag[e.tag] = e
		dictionaryByKeyword[e.keyword] = e
	}
}

// Well-known tags used by the index.
var (
	TagStudyInstanceUID                = NewTag(0x0020, 0x000D)
	TagSeriesInstanceUID               = NewTag(0x0020, 0x000E)
	TagSOPInstanceUID                  = NewTag(0x0008, 0x0018)
	TagPatientName                     = NewTag(0x0010, 0x0010)
	TagPatientID                       = NewTag(0x0010, 0x0020)
	TagPatientBirthDate                = NewTag(0x0010, 0x0030)
	TagReferringPhysicianName          = NewTag(0x0008, 0x0090)
	TagStudyDate                       = NewTag(0x0008, 0x0020)
	TagStudyDescription                = NewTag(0x0008, 0x1030)
	TagAccessionNumber                 = NewTag(0x0008, 0x0050)
	TagModality                        = NewTag(0x0008, 0x0060)
	TagPerformedProcedureStepStartDate = NewTag(0x0040, 0x0244)
	TagManufacturerModelName           = NewTag(0x0008, 0x1090)
)
