package store

import (
	"fmt"
	"path/filepath"
	"time"
)

// HashUID computes the 32-bit string hashcode used to bucket stored files
// (h = 31*h + byte over the UID's bytes), rendered as 8 uppercase hex
// digits. Pre-existing stored trees were built with this exact function;
// changing it would orphan them.
func HashUID(uid string) string {
	var h uint32
	for i := 0; i < len(uid); i++ {
		h = 31*h + uint32(uid[i])
	}
	return fmt.Sprintf("%08X", h)
}

// InstancePath derives the storage path of one instance:
// root/year/month/day/H(study)/H(series)/H(sop).
func InstancePath(root string, now time.Time, studyUID, seriesUID, sopUID string) string {
	return filepath.Join(
		root,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		HashUID(studyUID),
		HashUID(seriesUID),
		HashUID(sopUID),
	)
}
