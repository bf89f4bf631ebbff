package types

import (
	"fmt"
	"strings"
)

// VR is a DICOM value representation.
type VR string

const (
	VRAE VR = "AE"
	VRAS VR = "AS"
	VRAT VR = "AT"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRDT VR = "DT"
	VRFD VR = "FD"
	VRFL VR = "FL"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VRLT VR = "LT"
	VROB VR = "OB"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRSL VR = "SL"
	VRSQ VR = "SQ"
	VRSS VR = "SS"
	VRST VR = "ST"
	VRTM VR = "TM"
	VRUI VR = "UI"
	VRUL VR = "UL"
	VRUN VR = "UN"
	VRUS VR = "US"
)

// VRClass groups value representations by how their values are parsed,
// stored and compared.
type VRClass int

const (
	// VRClassNone marks value representations that cannot be indexed.
	VRClassNone VRClass = iota
	VRClassString
	VRClassPersonName
	VRClassInteger
	VRClassDecimal
	VRClassDate
	VRClassDateTime
	VRClassTime
)

func (c VRClass) String() string {
	switch c {
	case VRClassString:
		return "string"
	case VRClassPersonName:
		return "person-name"
	case VRClassInteger:
		return "integer"
	case VRClassDecimal:
		return "decimal"
	case VRClassDate:
		return "date"
	case VRClassDateTime:
		return "date-time"
	case VRClassTime:
		return "time"
	default:
		return "none"
	}
}

// vrClasses is the closed VR table. A VR missing from the table is known but
// not indexable.
var vrClasses = map[VR]VRClass{
	VRAE: VRClassString,
	VRAS: VRClassString,
	VRCS: VRClassString,
	VRLO: VRClassString,
	VRSH: VRClassString,
	VRUI: VRClassString,
	VRPN: VRClassPersonName,
	VRAT: VRClassInteger,
	VRIS: VRClassInteger,
	VRSL: VRClassInteger,
	VRSS: VRClassInteger,
	VRUL: VRClassInteger,
	VRUS: VRClassInteger,
	VRDS: VRClassDecimal,
	VRFD: VRClassDecimal,
	VRFL: VRClassDecimal,
	VRDA: VRClassDate,
	VRDT: VRClassDateTime,
	VRTM: VRClassTime,
}

var knownVRs = map[VR]bool{
	VRLT: true, VROB: true, VRSQ: true, VRST: true, VRUN: true,
}

// ParseVR parses a VR code case-insensitively.
func ParseVR(text string) (VR, error) {
	vr := VR(strings.ToUpper(strings.TrimSpace(text)))
	if _, ok := vrClasses[vr]; ok || knownVRs[vr] {
		return vr, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVR, text)
}

// Class returns the value class of the VR.
func (v VR) Class() VRClass {
	return vrClasses[v]
}

// Indexable reports whether values of this VR can be indexed and queried.
func (v VR) Indexable() bool {
	return v.Class() != VRClassNone
}

// Level is the DICOM information model level an attribute is indexed at.
type Level int

const (
	LevelInstance Level = iota
	LevelSeries
	LevelStudy
)

func (l Level) String() string {
	switch l {
	case LevelStudy:
		return "Study"
	case LevelSeries:
		return "Series"
	case LevelInstance:
		return "Instance"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(text string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "study":
		return LevelStudy, nil
	case "series":
		return LevelSeries, nil
	case "instance":
		return LevelInstance, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, text)
}
