package dicom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicateBooleanIdentities(t *testing.T) {
	tag := TagPatientID
	elem := &Element{Tag: tag, VR: VRLO, Value: Strings{"P1"}}

	assert.True(t, And(True(), True())(tag, elem))
	assert.False(t, And(True(), False())(tag, elem))
	assert.False(t, And(False(), True())(tag, elem))
	assert.False(t, And(False(), False())(tag, elem))

	assert.True(t, Or(True(), True())(tag, elem))
	assert.True(t, Or(True(), False())(tag, elem))
	assert.True(t, Or(False(), True())(tag, elem))
	assert.False(t, Or(False(), False())(tag, elem))

	assert.False(t, Not(True())(tag, elem))
	assert.True(t, Not(False())(tag, elem))

	// Empty conjunction and disjunction take their identity values.
	assert.True(t, And()(tag, elem))
	assert.False(t, Or()(tag, elem))
}

func TestPredicateMatchers(t *testing.T) {
	elem := &Element{Tag: TagPatientName, VR: VRPN, Value: Strings{"Doe^Jane"}}

	assert.True(t, TagIs(TagPatientName)(TagPatientName, elem))
	assert.False(t, TagIs(TagPatientID)(TagPatientName, elem))

	assert.True(t, TagIn(TagPatientID, TagPatientName)(TagPatientName, elem))
	assert.False(t, TagIn(TagPatientID)(TagPatientName, elem))

	assert.True(t, VRIs(VRPN)(TagPatientName, elem))
	assert.False(t, VRIs(VRLO)(TagPatientName, elem))
	assert.False(t, VRIs(VRPN)(TagPatientName, nil))

	assert.True(t, VRIn(VRPN, VRLO)(TagPatientName, elem))
	assert.False(t, VRIn(VRCS)(TagPatientName, elem))
	assert.False(t, VRIn(VRPN)(TagPatientName, nil))

	assert.True(t, Private()(Tag{0x0009, 0x0010}, nil))
	assert.False(t, Private()(TagPatientID, nil))
}

func TestFilterChainFirstMatchWins(t *testing.T) {
	chain := NewFilterChain(Include,
		FilterRule{Match: TagIs(TagPatientID), Action: Exclude},
		FilterRule{Match: TagIn(TagPatientID, TagPatientName), Action: Include},
	)

	// The earlier exclude rule shadows the later include.
	assert.Equal(t, Exclude, chain.Evaluate(TagPatientID, nil))
	assert.Equal(t, Include, chain.Evaluate(TagPatientName, nil))
	assert.Equal(t, Include, chain.Evaluate(TagModality, nil))
}

func TestNilFilterChainIncludesEverything(t *testing.T) {
	var chain *FilterChain
	assert.Equal(t, Include, chain.Evaluate(TagPatientID, nil))
}
