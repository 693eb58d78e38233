package params

import (
	"strconv"
)

// Value is a typed parameter value. The concrete types are String, Int,
// Float, Bool and Image.
type Value interface {
	isValue()
}

// String is a verbatim string parameter
type String string

// Int is an integer parameter
type Int int64

// Float is a floating point parameter
type Float float64

// Bool is a boolean parameter
type Bool bool

// Image is an image parameter. It is never inlined: the encoder uploads it
// and substitutes the returned URL. Either Path or Data must be set.
type Image struct {
	Path string // local file
	Data []byte // encoded image bytes (png/jpeg)
	Name string // filename presented to the content store
}

func (String) isValue() {}
func (Int) isValue()    {}
func (Float) isValue()  {}
func (Bool) isValue()   {}
func (Image) isValue()  {}

// Slot is one named parameter input
type Slot struct {
	Name  string
	Value Value
}

// empty reports whether the value carries nothing worth sending
func empty(v Value) bool {
	switch t := v.(type) {
	case nil:
		return true
	case String:
		return t == ""
	case Image:
		return t.Path == "" && len(t.Data) == 0
	}
	return false
}

// format renders non-image values in their natural textual form
func format(v Value) string {
	switch t := v.(type) {
	case String:
		return string(t)
	case Int:
		return strconv.FormatInt(int64(t), 10)
	case Float:
		return strconv.FormatFloat(float64(t), 'f', -1, 64)
	case Bool:
		if t {
			return "true"
		}
		return "false"
	}
	return ""
}

// FromAny converts loosely typed input (JSON or YAML decoded) to a Value.
// Strings are kept as strings; callers that want inference use Infer.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return nil
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Int(t)
	case int64:
		return Int(t)
	case float64:
		// decoded JSON numbers stay Float; whole values still render without
		// a decimal point
		return Float(t)
	case float32:
		return Float(float64(t))
	}
	return nil
}

// Infer parses a textual value the way the remote service does: int, then
// float, then bool, else string
func Infer(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
