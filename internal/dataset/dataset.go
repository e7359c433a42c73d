package dataset

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

type Tag uint32

func NewTag(group uint16, element uint16) Tag {
	return Tag(uint32(group)<<16 | uint32(element))
}

func (t Tag) Group() uint16 {
	return uint16(t >> 16)
}

func (t Tag) Element() uint16 {
	return uint16(t)
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group(), t.Element())
}

type Element struct {
	Tag    Tag      `cbor:"1,keyasint"`
	VR     string   `cbor:"2,keyasint"`
	Values []string `cbor:"3,keyasint,omitempty"`
	Bytes  []byte   `cbor:"4,keyasint,omitempty"`
}

func (e *Element) clone() *Element {
	return &Element{
		Tag:    e.Tag,
		VR:     e.VR,
		Values: slices.Clone(e.Values),
		Bytes:  slices.Clone(e.Bytes),
	}
}

func (e *Element) equal(other *Element) bool {
	return e.Tag == other.Tag && e.VR == other.VR && slices.Equal(e.Values, other.Values) && slices.Equal(e.Bytes, other.Bytes)
}

// Dataset is a flat tag to element map of one object. Sequences are kept as rendered values.
type Dataset struct {
	elements map[Tag]*Element
}

func New() *Dataset {
	return &Dataset{elements: map[Tag]*Element{}}
}

func (ds *Dataset) Len() int {
	return len(ds.elements)
}

func (ds *Dataset) Get(tag Tag) *Element {
	return ds.elements[tag]
}

// String returns the backslash joined values of tag, or "" if absent.
func (ds *Dataset) String(tag Tag) string {
	e, ok := ds.elements[tag]
	if !ok {
		return ""
	}
	return strings.Join(e.Values, "\\")
}

func (ds *Dataset) Contains(tag Tag) bool {
	_, ok := ds.elements[tag]
	return ok
}

func (ds *Dataset) Set(tag Tag, vr string, values ...string) {
	ds.elements[tag] = &Element{Tag: tag, VR: vr, Values: values}
}

func (ds *Dataset) SetBytes(tag Tag, vr string, bytes []byte) {
	ds.elements[tag] = &Element{Tag: tag, VR: vr, Bytes: bytes}
}

func (ds *Dataset) SetElement(e *Element) {
	ds.elements[e.Tag] = e.clone()
}

func (ds *Dataset) Remove(tag Tag) {
	delete(ds.elements, tag)
}

func (ds *Dataset) Tags() []Tag {
	tags := make([]Tag, 0, len(ds.elements))
	for tag := range ds.elements {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// Elements returns the elements ordered by tag.
func (ds *Dataset) Elements() []*Element {
	elements := make([]*Element, 0, len(ds.elements))
	for _, tag := range ds.Tags() {
		elements = append(elements, ds.elements[tag])
	}
	return elements
}

func (ds *Dataset) Clone() *Dataset {
	c := New()
	for tag, e := range ds.elements {
		c.elements[tag] = e.clone()
	}
	return c
}

// Update copies every element of other into ds.
func (ds *Dataset) Update(other *Dataset) {
	for _, e := range other.elements {
		ds.SetElement(e)
	}
}

// Diff lists the tags whose elements differ between ds and other, including ones present in only one of them.
func (ds *Dataset) Diff(other *Dataset) []Tag {
	changed := []Tag{}
	for tag, e := range ds.elements {
		o, ok := other.elements[tag]
		if !ok || !e.equal(o) {
			changed = append(changed, tag)
		}
	}
	for tag := range other.elements {
		if _, ok := ds.elements[tag]; !ok {
			changed = append(changed, tag)
		}
	}
	slices.Sort(changed)
	return changed
}

func (ds *Dataset) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(ds.Elements())
}

func (ds *Dataset) UnmarshalCBOR(data []byte) error {
	var elements []*Element
	err := cbor.Unmarshal(data, &elements)
	if err != nil {
		return err
	}
	ds.elements = make(map[Tag]*Element, len(elements))
	for _, e := range elements {
		ds.elements[e.Tag] = e
	}
	return nil
}

// Marshal encodes ds as the attribute blob kept in the database and in metadata sidecars.
func Marshal(ds *Dataset) ([]byte, error) {
	return cbor.Marshal(ds)
}

func Unmarshal(data []byte) (*Dataset, error) {
	ds := New()
	if len(data) == 0 {
		return ds, nil
	}
	err := cbor.Unmarshal(data, ds)
	if err != nil {
		return nil, err
	}
	return ds, nil
}
