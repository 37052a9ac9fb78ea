package runner

import (
	"encoding/json"
	"fmt"
	"iter"
	"reflect"
	"strings"
)

// listKeys are probed, in order, on map-like and struct payloads.
var listKeys = []string{"items", "data", "results", "content"}

const maxNormalizeDepth = 4

// extractor pulls the list of raw elements out of one payload shape. ok is
// false when the shape is not recognised by this extractor.
type extractor struct {
	name string
	fn   func(v any, depth int) (elems []any, ok bool)
}

var extractors []extractor

func init() {
	extractors = []extractor{
		{"direct", directList},
		{"mapping", mappingProbe},
		{"iteration", iterate},
		{"reflection", reflectFields},
		{"json", jsonRoundTrip},
	}
}

// NormalizeItems turns any dataset payload into a DatasetItems. It tries, in
// order: a direct list, a mapping probe of items/data/results/content keys,
// iteration over sequences, reflection over exported struct fields and
// finally a JSON round-trip. Elements that are not JSON objects are dropped
// with a warning.
func NormalizeItems(v any) DatasetItems {
	if isNil(v) {
		return DatasetItems{Items: []map[string]any{}, Warning: "empty dataset payload"}
	}
	if di, ok := v.(DatasetItems); ok {
		return di
	}
	if di, ok := v.(*DatasetItems); ok {
		return *di
	}

	elems, via, ok := extract(v, 0)
	if !ok {
		if m, single := singleObject(v); single {
			return DatasetItems{
				Items:    []map[string]any{m},
				Warning:  "single object payload treated as one item",
				RawCount: 1,
			}
		}
		return DatasetItems{
			Items: []map[string]any{},
			Error: fmt.Sprintf("unrecognized dataset payload of type %T", v),
		}
	}

	items, dropped := toRecords(elems)
	out := DatasetItems{Items: items, RawCount: len(elems)}
	var warnings []string
	if via == "reflection" || via == "json" {
		warnings = append(warnings, "normalized via "+via+" fallback")
	}
	if dropped > 0 {
		warnings = append(warnings, fmt.Sprintf("dropped %d non-object elements", dropped))
	}
	out.Warning = strings.Join(warnings, "; ")
	return out
}

func extract(v any, depth int) ([]any, string, bool) {
	if depth > maxNormalizeDepth || isNil(v) {
		return nil, "", false
	}
	for _, ex := range extractors {
		if elems, ok := ex.fn(v, depth); ok {
			return elems, ex.name, true
		}
	}
	return nil, "", false
}

func directList(v any, depth int) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, true
	case json.RawMessage:
		return decodeRaw(t, depth)
	case []byte:
		return decodeRaw(t, depth)
	}
	return nil, false
}

func decodeRaw(b []byte, depth int) ([]any, bool) {
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, false
	}
	elems, _, ok := extract(decoded, depth+1)
	return elems, ok
}

func singleObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case json.RawMessage:
		return decodeObject(t)
	case []byte:
		return decodeObject(t)
	}
	return asRecord(v)
}

func decodeObject(b []byte) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func mappingProbe(v any, depth int) ([]any, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	for _, key := range listKeys {
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			continue
		}
		if elems, _, ok := extract(val.Interface(), depth+1); ok {
			return elems, true
		}
	}
	return nil, false
}

func iterate(v any, depth int) ([]any, bool) {
	switch seq := v.(type) {
	case iter.Seq[any]:
		return collect(seq), true
	case func(func(any) bool):
		return collect(seq), true
	case iter.Seq[map[string]any]:
		var out []any
		for m := range seq {
			out = append(out, m)
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	case reflect.Chan:
		if rv.Type().ChanDir()&reflect.RecvDir == 0 {
			return nil, false
		}
		var out []any
		for {
			x, ok := rv.Recv()
			if !ok {
				return out, true
			}
			out = append(out, x.Interface())
		}
	}
	return nil, false
}

func collect(seq iter.Seq[any]) []any {
	var out []any
	for x := range seq {
		out = append(out, x)
	}
	return out
}

func reflectFields(v any, depth int) ([]any, bool) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false
	}
	for _, key := range listKeys {
		f := rv.FieldByNameFunc(func(name string) bool { return strings.EqualFold(name, key) })
		if !f.IsValid() || !f.CanInterface() {
			continue
		}
		if elems, _, ok := extract(f.Interface(), depth+1); ok {
			return elems, true
		}
	}
	return nil, false
}

func jsonRoundTrip(v any, depth int) ([]any, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, false
	}
	switch t := decoded.(type) {
	case []any:
		return t, true
	case map[string]any:
		if elems, ok := mappingProbe(t, depth); ok {
			return elems, true
		}
	}
	return nil, false
}

func toRecords(elems []any) ([]map[string]any, int) {
	items := make([]map[string]any, 0, len(elems))
	dropped := 0
	for _, e := range elems {
		if m, ok := asRecord(e); ok {
			items = append(items, m)
		} else {
			dropped++
		}
	}
	return items, dropped
}

func asRecord(e any) (map[string]any, bool) {
	switch t := e.(type) {
	case map[string]any:
		return t, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(e)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Map && rv.Kind() != reflect.Struct {
		return nil, false
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}
