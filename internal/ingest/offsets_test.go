package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var p0 = Partition{Topic: "transactions-topic-verified", Partition: 0}

func TestOffsetTracker_InOrder(t *testing.T) {
	tr := NewOffsetTracker()
	assert.Empty(t, tr.Committable())

	tr.Start(p0, 10)
	assert.Equal(t, []PartitionOffset{{Partition: p0, Offset: 10}}, tr.Committable())

	tr.Done(p0, 10)
	assert.Equal(t, []PartitionOffset{{Partition: p0, Offset: 11}}, tr.Committable())
}

func TestOffsetTracker_OutOfOrderHoldsAtLowestInFlight(t *testing.T) {
	tr := NewOffsetTracker()
	for off := int64(0); off < 5; off++ {
		tr.Start(p0, off)
	}
	tr.Done(p0, 0)
	tr.Done(p0, 2)
	tr.Done(p0, 3)
	assert.Equal(t, int64(1), tr.Committable()[0].Offset)
	assert.Equal(t, 2, tr.InFlight())

	tr.Done(p0, 1)
	assert.Equal(t, int64(4), tr.Committable()[0].Offset)

	tr.Done(p0, 4)
	assert.Equal(t, int64(5), tr.Committable()[0].Offset)
	assert.Zero(t, tr.InFlight())
}

func TestOffsetTracker_OnlyReportsAdvances(t *testing.T) {
	tr := NewOffsetTracker()
	tr.Start(p0, 3)
	tr.Done(p0, 3)

	ready := tr.Committable()
	tr.MarkCommitted(ready)
	assert.Empty(t, tr.Committable())

	// A stuck message keeps the position where it is.
	tr.Start(p0, 4)
	assert.Empty(t, tr.Committable())
	tr.Start(p0, 5)
	tr.Done(p0, 5)
	assert.Empty(t, tr.Committable())

	tr.Done(p0, 4)
	assert.Equal(t, []PartitionOffset{{Partition: p0, Offset: 6}}, tr.Committable())
}

func TestOffsetTracker_PartitionsAreIndependent(t *testing.T) {
	tr := NewOffsetTracker()
	p1 := Partition{Topic: p0.Topic, Partition: 1}
	tr.Start(p1, 7)
	tr.Start(p0, 2)
	tr.Done(p1, 7)

	assert.Equal(t, []PartitionOffset{
		{Partition: p0, Offset: 2},
		{Partition: p1, Offset: 8},
	}, tr.Committable())
}

func TestOffsetTracker_Forget(t *testing.T) {
	tr := NewOffsetTracker()
	tr.Start(p0, 1)
	tr.Forget(p0)
	assert.Empty(t, tr.Committable())
	assert.Zero(t, tr.InFlight())

	// Late completions for a revoked partition are ignored.
	tr.Done(p0, 1)
	assert.Empty(t, tr.Committable())
}
