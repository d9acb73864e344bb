package crypto

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize encodes v as canonical JSON bytes: object keys sorted, strings
// NFC-normalized, null members dropped, integers only. Structs are encoded
// through their json tags so wire types can be passed directly.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type member struct {
	key   string
	value any
}

func writeValue(buf *bytes.Buffer, v any) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	if n, ok := v.(json.Number); ok {
		return writeJSONNumber(buf, n)
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		return writeString(buf, rv.String())
	case reflect.Bool:
		buf.WriteString(strconv.FormatBool(rv.Bool()))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return ErrFloatNotAllowed
	case reflect.Map:
		members, err := mapMembers(rv)
		if err != nil {
			return err
		}
		return writeObject(buf, members)
	case reflect.Struct:
		return writeObject(buf, structMembers(rv))
	case reflect.Slice, reflect.Array:
		return writeArray(buf, rv)
	case reflect.Invalid:
		buf.WriteString("null")
		return nil
	default:
		return ErrUnsupportedType
	}
}

func writeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

func writeJSONNumber(buf *bytes.Buffer, n json.Number) error {
	if strings.ContainsAny(n.String(), ".eE") {
		return ErrFloatNotAllowed
	}
	value, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return ErrFloatNotAllowed
	}
	buf.WriteString(strconv.FormatInt(value, 10))
	return nil
}

func mapMembers(rv reflect.Value) ([]member, error) {
	if rv.Type().Key().Kind() != reflect.String {
		return nil, ErrNonStringMapKey
	}
	out := make([]member, 0, rv.Len())
	for _, key := range rv.MapKeys() {
		out = append(out, member{key: key.String(), value: rv.MapIndex(key).Interface()})
	}
	return out, nil
}

func structMembers(rv reflect.Value) []member {
	t := rv.Type()
	out := make([]member, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		fv := rv.Field(i)
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		out = append(out, member{key: name, value: fv.Interface()})
	}
	return out
}

func writeObject(buf *bytes.Buffer, members []member) error {
	kept := make([]member, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		key := norm.NFC.String(m.key)
		if _, ok := seen[key]; ok {
			return ErrKeyCollision
		}
		seen[key] = struct{}{}
		if isNilValue(m.value) {
			continue
		}
		kept = append(kept, member{key: key, value: m.value})
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].key < kept[j].key })

	buf.WriteByte('{')
	for i, m := range kept {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, m.key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, m.value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, rv reflect.Value) error {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		buf.WriteString("null")
		return nil
	}
	buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
