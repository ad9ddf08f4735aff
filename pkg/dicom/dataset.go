package dicom

import (
	"sort"
	"strings"
)

// DataSet is a tag-keyed collection of elements. There is at most one
// element per tag; iteration helpers visit elements in ascending tag order
// (group, then element). Nesting through SQ items forms a tree.
type DataSet struct {
	elements map[Tag]*Element
}

// NewDataSet returns an empty dataset.
func NewDataSet() *DataSet {
	return &DataSet{elements: make(map[Tag]*Element)}
}

// Put inserts or replaces the element for tag.
func (d *DataSet) Put(tag Tag, vr VR, value Value) {
	d.elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// PutElement inserts or replaces elem keyed by its own tag.
func (d *DataSet) PutElement(elem *Element) {
	d.elements[elem.Tag] = elem
}

// Get returns the element for tag.
func (d *DataSet) Get(tag Tag) (*Element, bool) {
	elem, ok := d.elements[tag]
	return elem, ok
}

// Has reports whether tag is present.
func (d *DataSet) Has(tag Tag) bool {
	_, ok := d.elements[tag]
	return ok
}

// Remove deletes the element for tag, if present.
func (d *DataSet) Remove(tag Tag) {
	delete(d.elements, tag)
}

// Len returns the number of elements.
func (d *DataSet) Len() int {
	return len(d.elements)
}

// SortedTags returns every tag in ascending (group, element) order.
func (d *DataSet) SortedTags() []Tag {
	tags := make([]Tag, 0, len(d.elements))
	for tag := range d.elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		return tags[i].Compare(tags[j]) < 0
	})
	return tags
}

// Walk calls fn for every element in ascending tag order. Walk stops and
// returns fn's error on the first failure.
func (d *DataSet) Walk(fn func(*Element) error) error {
	for _, tag := range d.SortedTags() {
		if err := fn(d.elements[tag]); err != nil {
			return err
		}
	}
	return nil
}

// GetString returns the first string value for tag, space-trimmed.
func (d *DataSet) GetString(tag Tag) string {
	elem, ok := d.elements[tag]
	if !ok {
		return ""
	}
	return strings.TrimRight(elem.FirstString(), " \x00")
}

// GetStrings returns all string values for tag, each space-trimmed.
func (d *DataSet) GetStrings(tag Tag) []string {
	elem, ok := d.elements[tag]
	if !ok {
		return nil
	}
	values := elem.StringValues()
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.TrimRight(v, " \x00")
	}
	return out
}

// SpecificCharacterSet returns the declared character set values, if any.
func (d *DataSet) SpecificCharacterSet() []string {
	return d.GetStrings(TagSpecificCharacterSet)
}

// Clone returns a deep copy of the dataset.
func (d *DataSet) Clone() *DataSet {
	out := NewDataSet()
	for tag, elem := range d.elements {
		copied := &Element{Tag: elem.Tag, VR: elem.VR}
		switch v := elem.Value.(type) {
		case Strings:
			copied.Value = append(Strings(nil), v...)
		case Ints:
			copied.Value = append(Ints(nil), v...)
		case Reals:
			copied.Value = append(Reals(nil), v...)
		case Bytes:
			copied.Value = append(Bytes(nil), v...)
		case Items:
			items := make(Items, len(v))
			for i, item := range v {
				items[i] = item.Clone()
			}
			copied.Value = items
		}
		out.elements[tag] = copied
	}
	return out
}
