package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMediumHasTags(t *testing.T) {
	m := &Medium{Tags: []string{"fast", "lto8"}}
	assert.True(t, m.HasTags([]string{"fast"}))
	assert.True(t, m.HasTags([]string{"fast", "lto8"}))
	assert.False(t, m.HasTags([]string{"fast", "lto9"}))
	assert.True(t, m.HasTags(nil))
}

func TestMediumWritable(t *testing.T) {
	m := &Medium{FSStatus: FSEmpty, Flags: MediumFlags{Put: true}}
	assert.True(t, m.Writable())

	m.FSStatus = FSFull
	assert.False(t, m.Writable())

	m.FSStatus = FSUsed
	m.Flags.Put = false
	assert.False(t, m.Writable())

	m.FSStatus = FSBlank
	m.Flags.Put = true
	assert.False(t, m.Writable())
}

func TestLockSameHost(t *testing.T) {
	var l *Lock
	assert.False(t, l.SameHost("drive-host-1"))

	l = &Lock{Hostname: "drive-host-1", OwnerPID: 42}
	assert.True(t, l.SameHost("drive-host-1"))
	assert.False(t, l.SameHost("drive-host-2"))
}
