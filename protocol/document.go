package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Mandatory document attributes.
const (
	FieldID           = "id"
	FieldLastModified = "lastModified"
	FieldDeviceID     = "deviceId"
	FieldUserID       = "userId"
)

// Fields that point at another user taking part in a document.
var ReferenceFields = []string{"patientId", "doctorId", "chemistId"}

var ErrMissingID = errors.New("document has no id")

// Document is one record of a collection. Fields stay in their decoded JSON
// form so collections the engine knows nothing about round-trip untouched.
type Document map[string]interface{}

func (d Document) ID() string { return d.String(FieldID) }

func (d Document) DeviceID() string { return d.String(FieldDeviceID) }

func (d Document) UserID() string { return d.String(FieldUserID) }

// LastModified returns the epoch-millis version of the document, 0 if unset.
func (d Document) LastModified() int64 {
	return toInt64(d[FieldLastModified])
}

// String returns the field as a string, "" when absent or null.
func (d Document) String(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// References lists the distinct user ids named by the reference fields.
func (d Document) References() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, f := range ReferenceFields {
		v := d.String(f)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Refers reports whether any reference field equals userID.
func (d Document) Refers(userID string) bool {
	if userID == "" {
		return false
	}
	for _, f := range ReferenceFields {
		if d.String(f) == userID {
			return true
		}
	}
	return false
}

// Clone deep-copies the document so callers can mutate the result freely.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a copy of d with every field of patch applied on top.
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	if out == nil {
		out = Document{}
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// Supersedes reports whether d should replace old under last-writer-wins.
// Equal timestamps lose, which makes re-applying the same version a no-op.
func (d Document) Supersedes(old Document) bool {
	if old == nil {
		return true
	}
	return d.LastModified() > old.LastModified()
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]interface{}:
		return map[string]interface{}(Document(t).Clone())
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
