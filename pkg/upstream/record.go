package upstream

import "encoding/json"

// Record is one upstream row as decoded from the wire. Numbers stay
// json.Number so monetary values and quantities pass through verbatim.
// The upstream renders null-ish fields as boolean false; the accessors
// absorb that quirk at this seam so the mapper never sees it.
type Record map[string]any

// ID returns the record's id, 0 when absent
func (r Record) ID() int64 {
	return r.Int("id")
}

// Int returns an integer field, 0 when absent or non-numeric
func (r Record) Int(key string) int64 {
	if num, ok := r[key].(json.Number); ok {
		if v, err := num.Int64(); err == nil {
			return v
		}
		// write_date style floats should not appear here, but a float-typed
		// id is still an id
		if f, err := num.Float64(); err == nil {
			return int64(f)
		}
	}
	return 0
}

// Str returns a string field, "" when absent or false
func (r Record) Str(key string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}

// StrOrNil returns a pointer to the string field, nil when absent or false
func (r Record) StrOrNil(key string) *string {
	if s, ok := r[key].(string); ok {
		return &s
	}
	return nil
}

// Number returns a numeric field verbatim, "0" when absent
func (r Record) Number(key string) json.Number {
	if num, ok := r[key].(json.Number); ok {
		return num
	}
	return json.Number("0")
}

// Many2One unpacks the upstream's [id, label] pair representation.
// A bare numeric id is accepted too.
func (r Record) Many2One(key string) (id int64, label string, ok bool) {
	switch v := r[key].(type) {
	case []any:
		if len(v) == 0 {
			return 0, "", false
		}
		if num, isNum := v[0].(json.Number); isNum {
			id, _ = num.Int64()
		}
		if len(v) > 1 {
			label, _ = v[1].(string)
		}
		return id, label, id != 0
	case json.Number:
		id, _ = v.Int64()
		return id, "", id != 0
	default:
		return 0, "", false
	}
}

// IDList unpacks a one2many/many2many id list
func (r Record) IDList(key string) []int64 {
	list, ok := r[key].([]any)
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(list))
	for _, item := range list {
		if num, isNum := item.(json.Number); isNum {
			if v, err := num.Int64(); err == nil {
				ids = append(ids, v)
			}
		}
	}
	return ids
}
