// Package dicomjson reads and writes the DICOM JSON model (PS3.18 F.2).
//
// Only the top-level attributes that the index can use are kept: sequences,
// bulk data and inline binary values are skipped, and person names keep
// their alphabetic component group.
package dicomjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

// CodeUnreadable is the error code of objects that are not valid DICOM JSON.
const CodeUnreadable = "UNREADABLE_DATASET"

type attribute struct {
	VR           string            `json:"vr"`
	Value        []json.RawMessage `json:"Value,omitempty"`
	BulkDataURI  string            `json:"BulkDataURI,omitempty"`
	InlineBinary string            `json:"InlineBinary,omitempty"`
}

type personName struct {
	Alphabetic  string `json:"Alphabetic,omitempty"`
	Ideographic string `json:"Ideographic,omitempty"`
	Phonetic    string `json:"Phonetic,omitempty"`
}

// Codec decodes and encodes DICOM JSON datasets.
type Codec struct{}

// Decode parses one DICOM JSON object. A top-level array holding a single
// object, as returned by DICOMweb metadata requests, is also accepted.
func (Codec) Decode(data []byte) (*types.Dataset, error) {
	return Decode(data)
}

// Encode writes ds as a DICOM JSON object.
func (Codec) Encode(ds *types.Dataset) ([]byte, error) {
	return Encode(ds)
}

// Decode parses one DICOM JSON object.
func Decode(data []byte) (*types.Dataset, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, unreadable(err)
		}
		if len(list) != 1 {
			return nil, ierrors.Validation(CodeUnreadable, fmt.Sprintf("expected one dataset, got %d", len(list)))
		}
		data = list[0]
	}

	var raw map[string]attribute
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, unreadable(err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ds := types.NewDataset()
	for _, k := range keys {
		tag, err := parseKey(k)
		if err != nil {
			return nil, err
		}
		attr := raw[k]
		vr, err := types.ParseVR(attr.VR)
		if err != nil || vr == types.VRSQ || attr.BulkDataURI != "" || attr.InlineBinary != "" {
			continue
		}

		values, err := decodeValues(vr, attr.Value)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindValidation, CodeUnreadable, fmt.Sprintf("attribute %s", tag), err)
		}
		ds.Set(types.Element{Tag: tag, VR: vr, Values: values})
	}
	return ds, nil
}

func parseKey(k string) (types.Tag, error) {
	if len(k) != 8 {
		return types.Tag{}, ierrors.Validation(CodeUnreadable, fmt.Sprintf("attribute key %q is not 8 hex digits", k))
	}
	v, err := strconv.ParseUint(k, 16, 32)
	if err != nil {
		return types.Tag{}, ierrors.Validation(CodeUnreadable, fmt.Sprintf("attribute key %q is not 8 hex digits", k))
	}
	return types.NewTag(uint16(v>>16), uint16(v)), nil
}

// decodeValues renders every value in its string form. Null entries become
// empty values.
func decodeValues(vr types.VR, raw []json.RawMessage) ([]string, error) {
	values := make([]string, 0, len(raw))
	for _, r := range raw {
		if string(r) == "null" {
			values = append(values, "")
			continue
		}

		if vr == types.VRPN {
			var pn personName
			if err := json.Unmarshal(r, &pn); err != nil {
				return nil, err
			}
			values = append(values, pn.Alphabetic)
			continue
		}

		switch r[0] {
		case '"':
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				return nil, err
			}
			values = append(values, s)
		case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			var n json.Number
			if err := json.Unmarshal(r, &n); err != nil {
				return nil, err
			}
			values = append(values, n.String())
		default:
			return nil, fmt.Errorf("unsupported %s value %s", vr, r)
		}
	}
	return values, nil
}

// Encode writes ds as a DICOM JSON object. Numeric VRs are written as
// numbers when their values parse as such.
func Encode(ds *types.Dataset) ([]byte, error) {
	out := make(map[string]attribute, ds.Len())
	for _, e := range ds.Elements() {
		attr := attribute{VR: string(e.VR)}
		for _, v := range e.Values {
			raw, err := encodeValue(e.VR, v)
			if err != nil {
				return nil, err
			}
			attr.Value = append(attr.Value, raw)
		}
		out[e.Tag.String()] = attr
	}
	return json.Marshal(out)
}

func encodeValue(vr types.VR, v string) (json.RawMessage, error) {
	if v == "" {
		return json.RawMessage("null"), nil
	}
	switch vr {
	case types.VRPN:
		return json.Marshal(personName{Alphabetic: v})
	case types.VRIS, types.VRDS, types.VRSL, types.VRSS, types.VRUL, types.VRUS, types.VRFL, types.VRFD:
		if _, err := strconv.ParseFloat(v, 64); err == nil && json.Valid([]byte(v)) {
			return json.RawMessage(v), nil
		}
	}
	return json.Marshal(v)
}

func unreadable(err error) error {
	return ierrors.Wrap(ierrors.KindValidation, CodeUnreadable, "object is not a DICOM JSON dataset", err)
}
