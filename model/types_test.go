package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionID(t *testing.T) {
	p := NewPartitionID("t1", 0, 65535)
	assert.Equal(t, "t1/0_65535", p.String())
	assert.Equal(t, p.String(), p.BuildID())
	assert.True(t, p.Contains(0))
	assert.True(t, p.Contains(65534))
	assert.False(t, p.Contains(65535))

	parsed, err := ParsePartitionID("ns/t1/10_20")
	require.NoError(t, err)
	assert.Equal(t, PartitionID{Table: "ns/t1", From: 10, To: 20}, parsed)

	_, err = ParsePartitionID("t1")
	assert.Error(t, err)
	_, err = ParsePartitionID("t1/a_b")
	assert.Error(t, err)
}

func TestIncVersion(t *testing.T) {
	assert.False(t, InvalidVersion.IsValid())
	assert.True(t, IncVersion(0).IsValid())
	assert.False(t, IncVersion(3).IsPrivate())

	private := PrivateVersionMask | 3
	assert.True(t, private.IsPrivate())
	assert.Equal(t, "private-3", private.String())
	assert.Equal(t, "invalid", InvalidVersion.String())
}

func TestLocator(t *testing.T) {
	a := Locator{SourceID: "s1", Offset: 10}
	b := Locator{SourceID: "s1", Offset: 12}
	c := Locator{SourceID: "s2", Offset: 100}

	assert.True(t, a.Valid())
	assert.False(t, Locator{}.Valid())
	assert.False(t, Locator{SourceID: "s1", Offset: -1}.Valid())

	assert.True(t, b.IsNewerThan(a))
	assert.False(t, a.IsNewerThan(b))
	assert.False(t, c.IsNewerThan(a), "different sources are not comparable")
	assert.True(t, a.Equal(Locator{SourceID: "s1", Offset: 10}))
}

func TestCurrentPartitionMetaClone(t *testing.T) {
	m := NewCurrentPartitionMeta()
	m.DeployStatus[1] = DeployDone
	m.EffectiveFields = map[string][]string{"index": {"title"}}

	c := m.Clone()
	c.DeployStatus[2] = DeployFailed
	c.EffectiveFields["index"][0] = "body"

	assert.Len(t, m.DeployStatus, 1)
	assert.Equal(t, "title", m.EffectiveFields["index"][0])

	m.IncVersion = 4
	m.TableStatus = TableLoaded
	m.ResetLoaded()
	assert.Equal(t, InvalidVersion, m.IncVersion)
	assert.Equal(t, TableUnloaded, m.TableStatus)
	assert.Equal(t, DeployDone, m.DeployStatus[1], "deploy state survives unload")
}
