package dicomreader

import (
	"bytes"
	"testing"

	"github.com/jdillenkofer/pacsarc/internal/dataset"
	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func writeTestObject(t *testing.T) []byte {
	t.Helper()
	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustNewElement(tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}),
		mustNewElement(tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5"}),
		mustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustNewElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}),
		mustNewElement(tag.SOPInstanceUID, []string{"1.2.3.4.5"}),
		mustNewElement(tag.Modality, []string{"OT"}),
		mustNewElement(tag.PatientName, []string{"Doe^Jane"}),
		mustNewElement(tag.PatientID, []string{"PID1"}),
		mustNewElement(tag.StudyInstanceUID, []string{"1.2.3"}),
		mustNewElement(tag.SeriesInstanceUID, []string{"1.2.3.4"}),
		mustNewElement(tag.Rows, []int{1}),
	}}
	var buf bytes.Buffer
	err := dicom.Write(&buf, ds, dicom.SkipVRVerification())
	assert.Nil(t, err)
	return buf.Bytes()
}

func TestReadConvertsElements(t *testing.T) {
	testutils.SkipIfIntegration(t)
	data := writeTestObject(t)

	ds, err := New().Read(bytes.NewReader(data), int64(len(data)))
	assert.Nil(t, err)
	assert.Equal(t, "1.2.840.10008.1.2.1", ds.String(dataset.TransferSyntaxUID))
	assert.Equal(t, "1.2.3.4.5", ds.String(dataset.SOPInstanceUID))
	assert.Equal(t, "Doe^Jane", ds.String(dataset.PatientName))
	assert.Equal(t, "PID1", ds.String(dataset.PatientID))
	assert.Equal(t, "1", ds.String(dataset.NewTag(0x0028, 0x0010)))
}

func TestReadRejectsGarbage(t *testing.T) {
	testutils.SkipIfIntegration(t)
	data := []byte("definitely not a dicom file")
	_, err := New().Read(bytes.NewReader(data), int64(len(data)))
	assert.NotNil(t, err)
}

func mustNewElement(t tag.Tag, data interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, data)
	if err != nil {
		panic(err)
	}
	return elem
}
