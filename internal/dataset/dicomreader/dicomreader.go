// Package dicomreader converts DICOM Part 10 streams into datasets.
package dicomreader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jdillenkofer/pacsarc/internal/dataset"
	"github.com/suyashkumar/dicom"
)

type Reader struct{}

func New() *Reader {
	return &Reader{}
}

// Read parses size bytes of r. Pixel data is kept as raw bytes so it takes part in digests.
func (*Reader) Read(r io.Reader, size int64) (*dataset.Dataset, error) {
	parsed, err := dicom.Parse(r, size, nil, dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return nil, fmt.Errorf("parse dicom: %w", err)
	}
	ds := dataset.New()
	for _, elem := range parsed.Elements {
		ds.SetElement(convertElement(elem))
	}
	return ds, nil
}

func (rd *Reader) ReadFile(path string) (*dataset.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return rd.Read(f, info.Size())
}

func convertElement(elem *dicom.Element) *dataset.Element {
	e := &dataset.Element{
		Tag: dataset.NewTag(elem.Tag.Group, elem.Tag.Element),
		VR:  elem.RawValueRepresentation,
	}
	if elem.Value == nil {
		return e
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		e.Values = trimValues(v)
	case []int:
		for _, i := range v {
			e.Values = append(e.Values, strconv.Itoa(i))
		}
	case []float64:
		for _, f := range v {
			e.Values = append(e.Values, strconv.FormatFloat(f, 'g', -1, 64))
		}
	case []byte:
		e.Bytes = v
	case dicom.PixelDataInfo:
		e.Bytes = pixelDataBytes(v)
	case []*dicom.SequenceItemValue:
		for _, item := range v {
			e.Values = append(e.Values, renderSequenceItem(item))
		}
	default:
		e.Values = []string{elem.Value.String()}
	}
	return e
}

func trimValues(values []string) []string {
	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.TrimRight(v, " \x00")
	}
	return trimmed
}

func pixelDataBytes(info dicom.PixelDataInfo) []byte {
	if len(info.UnprocessedValueData) > 0 {
		return info.UnprocessedValueData
	}
	var buf bytes.Buffer
	for _, f := range info.Frames {
		buf.Write(f.EncapsulatedData.Data)
	}
	return buf.Bytes()
}

func renderSequenceItem(item *dicom.SequenceItemValue) string {
	var sb strings.Builder
	for _, nested := range item.GetValue().([]*dicom.Element) {
		e := convertElement(nested)
		sb.WriteString(e.Tag.String())
		sb.WriteString(e.VR)
		sb.WriteString("=")
		sb.WriteString(strings.Join(e.Values, "\\"))
		if len(e.Bytes) > 0 {
			fmt.Fprintf(&sb, "%x", e.Bytes)
		}
		sb.WriteString(";")
	}
	return sb.String()
}
