package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHashUID(t *testing.T) {
	// Reference values computed with Java's String.hashCode; stored trees
	// depend on these exact buckets.
	cases := map[string]string{
		"1.2.840.10008.1.1": "C3D160CC",
		"1.2.3":             "02C82A3A",
		"1.2.3.4":           "71668980",
		"2.16.840.1.113669.632.20.1211.10000357775": "F947C757",
		"": "00000000",
	}
	for uid, want := range cases {
		assert.Equal(t, want, HashUID(uid), "uid %q", uid)
	}
}

func TestInstancePath(t *testing.T) {
	now := time.Date(2026, time.March, 7, 10, 0, 0, 0, time.UTC)
	got := InstancePath("/srv/pacs", now, "1.2.1", "1.2.1.1", "1.2.3")
	want := filepath.Join("/srv/pacs", "2026", "03", "07", "02C82A38", "716681FB", "02C82A3A")
	assert.Equal(t, want, got)
}
