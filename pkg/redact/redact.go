// Package redact removes patient-identifying and secret-bearing values from
// structured data before it is written anywhere.
package redact

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Placeholder replaces every redacted value
const Placeholder = "[REDACTED]"

// defaultFields are matched after normalization (lowercase, no separators)
var defaultFields = []string{
	// PHI
	"patientname",
	"patientid",
	"patientbirthdate",
	"patientdob",
	"birthdate",
	"dateofbirth",
	"dob",
	"patientaddress",
	"patientsex",
	"patienttelephonenumbers",
	"otherpatientids",
	"otherpatientnames",
	"patientmothersbirthname",
	"ssn",
	"socialsecuritynumber",
	"medicalrecordnumber",
	"mrn",
	"address",
	"phone",
	"phonenumber",
	"email",
	"referringphysicianname",

	// Credentials
	"password",
	"passwd",
	"secret",
	"secretid",
	"clientsecret",
	"token",
	"accesstoken",
	"refreshtoken",
	"clienttoken",
	"apikey",
	"authorization",
	"signature",
	"hmackey",
	"privatekey",
	"pseudonymkey",
	"jwtsigningkey",
}

// Redactor redacts values whose keys match a fixed set of field names
type Redactor struct {
	fields map[string]struct{}
}

// New creates a Redactor with the default field set plus any extra names
func New(extra ...string) *Redactor {
	r := &Redactor{fields: make(map[string]struct{}, len(defaultFields)+len(extra))}
	for _, f := range defaultFields {
		r.fields[f] = struct{}{}
	}
	for _, f := range extra {
		if n := normalize(f); n != "" {
			r.fields[n] = struct{}{}
		}
	}
	return r
}

var defaultRedactor = New()

// Map redacts a detail map with the default field set
func Map(details map[string]interface{}) map[string]interface{} {
	return defaultRedactor.Map(details)
}

// IsSensitive reports whether key names a redacted field
func (r *Redactor) IsSensitive(key string) bool {
	_, ok := r.fields[normalize(key)]
	return ok
}

// Map returns a redacted deep copy of details. The input is never modified.
func (r *Redactor) Map(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if r.IsSensitive(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = r.Value(v)
	}
	return out
}

// Value returns a redacted copy of an arbitrary value
func (r *Redactor) Value(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return val
	case error:
		return val.Error()
	case map[string]interface{}:
		return r.Map(val)
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			if r.IsSensitive(k) {
				out[k] = Placeholder
			} else {
				out[k] = s
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.Value(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Ptr, reflect.Interface:
		return r.viaJSON(v)
	case reflect.String:
		return rv.String()
	default:
		return v
	}
}

// viaJSON flattens typed values into generic maps so struct fields are
// matched by their serialized names
func (r *Redactor) viaJSON(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return Placeholder
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return Placeholder
	}
	return r.Value(generic)
}

func normalize(key string) string {
	key = strings.ToLower(key)
	return strings.Map(func(c rune) rune {
		if c == '_' || c == '-' || c == '.' || c == ' ' {
			return -1
		}
		return c
	}, key)
}
