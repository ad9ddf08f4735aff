package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/pkg/dicom"
)

func TestFileStoreRoundTrip(t *testing.T) {
	fs := &store.FileStore{Root: t.TempDir()}

	ds := dicom.NewDataSet()
	ds.Put(dicom.TagSOPClassUID, dicom.VRUI, dicom.Strings{"1.2.840.10008.5.1.4.1.1.4"})
	ds.Put(dicom.TagSOPInstanceUID, dicom.VRUI, dicom.Strings{"1.2.3"})
	ds.Put(dicom.TagStudyInstanceUID, dicom.VRUI, dicom.Strings{"1.2.1"})
	ds.Put(dicom.TagSeriesInstanceUID, dicom.VRUI, dicom.Strings{"1.2.1.1"})
	ds.Put(dicom.TagPatientName, dicom.VRPN, dicom.Strings{"Doe^Jane"})
	ds.Put(dicom.TagModality, dicom.VRCS, dicom.Strings{"MR"})

	path, size, err := fs.WriteInstance(ds)
	require.NoError(t, err)
	assert.Greater(t, size, 0)

	back, err := fs.ReadInstance(path)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", back.GetString(dicom.TagSOPInstanceUID))
	assert.Equal(t, "Doe^Jane", back.GetString(dicom.TagPatientName))
	assert.Equal(t, "MR", back.GetString(dicom.TagModality))
}

func TestFileStoreRequiresSOPInstanceUID(t *testing.T) {
	fs := &store.FileStore{Root: t.TempDir()}
	_, _, err := fs.WriteInstance(dicom.NewDataSet())
	assert.Error(t, err)
}
