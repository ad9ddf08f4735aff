package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lamyj/dopamine/pkg/dicom"
)

// FileStore writes and reads part-10 instance files under a storage root.
type FileStore struct {
	Root string
}

// WriteInstance encodes ds as an explicit-VR-LE part-10 file at its
// derived path and returns that path and the file size.
func (f *FileStore) WriteInstance(ds *dicom.DataSet) (string, int, error) {
	studyUID := ds.GetString(dicom.TagStudyInstanceUID)
	seriesUID := ds.GetString(dicom.TagSeriesInstanceUID)
	sopUID := ds.GetString(dicom.TagSOPInstanceUID)
	sopClassUID := ds.GetString(dicom.TagSOPClassUID)
	if sopUID == "" {
		return "", 0, fmt.Errorf("store: dataset has no SOP Instance UID")
	}

	encoded, err := dicom.EncodeDataSet(ds, dicom.ExplicitVRLittleEndian)
	if err != nil {
		return "", 0, fmt.Errorf("store: encoding instance %s: %w", sopUID, err)
	}
	file, err := dicom.WritePart10(encoded, sopClassUID, sopUID, dicom.ExplicitVRLittleEndian)
	if err != nil {
		return "", 0, fmt.Errorf("store: building part-10 file for %s: %w", sopUID, err)
	}

	path := InstancePath(f.Root, time.Now(), studyUID, seriesUID, sopUID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("store: creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, file, 0o644); err != nil {
		return "", 0, fmt.Errorf("store: writing %s: %w", path, err)
	}
	log.Debug().Str("path", path).Str("sop_instance_uid", sopUID).Msg("instance written")
	return path, len(file), nil
}

// OpenInstance opens the raw part-10 file at path for streaming.
func (f *FileStore) OpenInstance(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	return file, nil
}

// ReadInstance loads and parses the part-10 file at path.
func (f *FileStore) ReadInstance(path string) (*dicom.DataSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", path, err)
	}
	body, tsUID, err := dicom.ReadPart10(data)
	if err != nil {
		return nil, fmt.Errorf("store: parsing %s: %w", path, err)
	}
	ds, err := dicom.ParseDataSet(body, tsUID)
	if err != nil {
		return nil, fmt.Errorf("store: parsing dataset of %s: %w", path, err)
	}
	return ds, nil
}
