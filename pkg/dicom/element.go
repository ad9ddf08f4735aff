package dicom

import "fmt"

// Value is the payload of an Element. The concrete type is constrained by
// the element's VR: Strings for text and numeric-string VRs (wire form,
// still in the dataset's character set for ClassText), Ints and Reals for
// binary numeric VRs, Bytes for bulk binary VRs and Items for SQ. A nil
// Value is a zero-length element.
type Value interface {
	isValue()
}

// Strings holds one string per value (VM>1 is backslash-separated on the wire).
type Strings []string

// Ints holds decoded fixed-width integer values.
type Ints []int64

// Reals holds decoded floating-point values.
type Reals []float64

// Bytes holds an opaque binary payload.
type Bytes []byte

// Items holds the nested datasets of an SQ element.
type Items []*DataSet

func (Strings) isValue() {}
func (Ints) isValue()    {}
func (Reals) isValue()   {}
func (Bytes) isValue()   {}
func (Items) isValue()   {}

// Element is a single DICOM data element.
type Element struct {
	Tag   Tag
	VR    VR
	Value Value
}

// Empty reports whether the element has a zero-length value.
func (e *Element) Empty() bool {
	switch v := e.Value.(type) {
	case nil:
		return true
	case Strings:
		return len(v) == 0
	case Ints:
		return len(v) == 0
	case Reals:
		return len(v) == 0
	case Bytes:
		return len(v) == 0
	case Items:
		return len(v) == 0
	}
	return false
}

// StringValues returns the element's string values, or nil for non-string
// payloads.
func (e *Element) StringValues() []string {
	if s, ok := e.Value.(Strings); ok {
		return s
	}
	return nil
}

// FirstString returns the first string value, or "".
func (e *Element) FirstString() string {
	if s := e.StringValues(); len(s) > 0 {
		return s[0]
	}
	return ""
}

// Multiplicity returns the element's value multiplicity.
func (e *Element) Multiplicity() int {
	switch v := e.Value.(type) {
	case Strings:
		return len(v)
	case Ints:
		return len(v)
	case Reals:
		return len(v)
	case Items:
		return len(v)
	case Bytes:
		if len(v) == 0 {
			return 0
		}
		return 1
	}
	return 0
}

func (e *Element) String() string {
	return fmt.Sprintf("%s %s vm=%d", e.Tag, e.VR, e.Multiplicity())
}
