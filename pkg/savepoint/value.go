package savepoint

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind discriminates the runtime type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindStructured
)

// String returns the type tag written into savepoint files.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "str"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindNull:
		return "null"
	case KindStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// Value is the tagged variant stored at each savepoint: a scalar
// (string/int/float/bool/null) or a structured mapping/sequence. The tag is
// preserved through serialization so a numeric savepoint loads back numeric.
type Value struct {
	kind Kind
	str  string
	num  int64
	flt  float64
	b    bool
	data any
}

func String(s string) Value  { return Value{kind: KindString, str: s} }
func Int(i int64) Value      { return Value{kind: KindInt, num: i} }
func Float(f float64) Value  { return Value{kind: KindFloat, flt: f} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Null() Value            { return Value{kind: KindNull} }
func Structured(v any) Value { return Value{kind: KindStructured, data: v} }

// FromAny wraps an arbitrary Go value into a tagged Value. Maps and slices
// become structured; anything that is neither scalar nor map/slice fails
// with ErrUnsupportedType.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case bool:
		return Bool(t), nil
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return Structured(v), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Text renders the value as the string a pipeline stage consumes: scalars
// format naturally, structured values render as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return ""
	case KindStructured:
		if m, ok := v.data.(map[string]any); ok {
			if body, has := m["_body"]; has {
				if s, isStr := body.(string); isStr {
					return s
				}
			}
		}
		encoded, err := json.Marshal(v.data)
		if err != nil {
			return fmt.Sprintf("%v", v.data)
		}
		return string(encoded)
	default:
		return ""
	}
}

// AsInt returns the integer value; floats that are whole numbers convert.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.num, true
	case KindFloat:
		if v.flt == float64(int64(v.flt)) {
			return int64(v.flt), true
		}
	}
	return 0, false
}

func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.num), true
	case KindFloat:
		return v.flt, true
	}
	return 0, false
}

func (v Value) AsBool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

// StructuredValue returns the decoded mapping/sequence for structured values.
func (v Value) StructuredValue() (any, bool) {
	if v.kind == KindStructured {
		return v.data, true
	}
	return nil, false
}

// File format markers. Scalars carry a typed header; structured values are
// YAML frontmatter between --- fences with an optional markdown body.
const (
	fence       = "---"
	valueMarker = "**Value:**"
	typeMarker  = "**Type:**"
)

// encode serializes a Value to its on-disk representation.
func (v Value) encode() ([]byte, error) {
	switch v.kind {
	case KindString:
		if strings.Contains(v.str, "\n") {
			// Multiline strings go in the body below a blank separator.
			return []byte(valueMarker + "\n" + typeMarker + " str\n\n" + v.str), nil
		}
		return []byte(valueMarker + " " + v.str + "\n" + typeMarker + " str\n"), nil
	case KindInt:
		return []byte(valueMarker + " " + strconv.FormatInt(v.num, 10) + "\n" + typeMarker + " int\n"), nil
	case KindFloat:
		return []byte(valueMarker + " " + strconv.FormatFloat(v.flt, 'g', -1, 64) + "\n" + typeMarker + " float\n"), nil
	case KindBool:
		return []byte(valueMarker + " " + strconv.FormatBool(v.b) + "\n" + typeMarker + " bool\n"), nil
	case KindNull:
		return []byte(valueMarker + "\n" + typeMarker + " null\n"), nil
	case KindStructured:
		return encodeStructured(v.data)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedType, v.kind)
	}
}

// encodeStructured writes YAML frontmatter. A map holding exactly
// {_frontmatter, _body} splits into frontmatter + markdown body so round
// trips through LoadWithMetadata are lossless.
func encodeStructured(data any) ([]byte, error) {
	frontmatter := data
	body := ""
	if m, ok := data.(map[string]any); ok {
		fm, hasFM := m["_frontmatter"]
		b, hasBody := m["_body"]
		if hasFM && hasBody && len(m) == 2 {
			frontmatter = fm
			if s, isStr := b.(string); isStr {
				body = s
			} else {
				return nil, fmt.Errorf("%w: _body must be a string, got %T", ErrUnsupportedType, b)
			}
		}
	}

	encoded, err := yaml.Marshal(frontmatter)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frontmatter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(fence + "\n")
	sb.Write(encoded)
	if !strings.HasSuffix(string(encoded), "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString(fence + "\n")
	if body != "" {
		sb.WriteString("\n")
		sb.WriteString(body)
	}
	return []byte(sb.String()), nil
}

// decodeValue parses on-disk bytes back into a tagged Value. Files with
// neither frontmatter nor a typed header are legacy plain text and load as
// string scalars.
func decodeValue(data []byte) (Value, error) {
	content := string(data)

	if strings.HasPrefix(content, fence+"\n") {
		return decodeStructured(content)
	}
	if strings.HasPrefix(content, valueMarker) {
		return decodeScalar(content)
	}
	return String(strings.TrimSuffix(content, "\n")), nil
}

func decodeStructured(content string) (Value, error) {
	rest := strings.TrimPrefix(content, fence+"\n")
	fmText, body, found := strings.Cut(rest, "\n"+fence)
	if !found {
		// A file that opens with --- but never closes it: handle the
		// empty-frontmatter form "---\n---\n..." via Cut on the exact
		// fence; anything else is corrupt.
		return Value{}, fmt.Errorf("frontmatter missing closing fence")
	}

	var frontmatter any
	if err := yaml.Unmarshal([]byte(fmText), &frontmatter); err != nil {
		return Value{}, fmt.Errorf("frontmatter decode: %w", err)
	}

	// Body begins after the fence's own newline and one blank separator.
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")

	if body == "" {
		return Structured(frontmatter), nil
	}
	return Structured(map[string]any{
		"_frontmatter": frontmatter,
		"_body":        body,
	}), nil
}

func decodeScalar(content string) (Value, error) {
	lines := strings.SplitN(content, "\n", 3)
	if len(lines) < 2 {
		return Value{}, fmt.Errorf("scalar savepoint missing type line")
	}

	inline := strings.TrimPrefix(lines[0], valueMarker)
	inline = strings.TrimPrefix(inline, " ")

	typeLine := strings.TrimSpace(strings.TrimPrefix(lines[1], typeMarker))

	switch typeLine {
	case "str":
		if inline == "" && len(lines) == 3 {
			// Multiline form: blank separator then verbatim body.
			return String(strings.TrimPrefix(lines[2], "\n")), nil
		}
		return String(inline), nil
	case "int":
		n, err := strconv.ParseInt(strings.TrimSpace(inline), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("int scalar %q: %w", inline, err)
		}
		return Int(n), nil
	case "float":
		f, err := strconv.ParseFloat(strings.TrimSpace(inline), 64)
		if err != nil {
			return Value{}, fmt.Errorf("float scalar %q: %w", inline, err)
		}
		return Float(f), nil
	case "bool":
		b, err := strconv.ParseBool(strings.TrimSpace(inline))
		if err != nil {
			return Value{}, fmt.Errorf("bool scalar %q: %w", inline, err)
		}
		return Bool(b), nil
	case "null":
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("unknown scalar type tag %q", typeLine)
	}
}
