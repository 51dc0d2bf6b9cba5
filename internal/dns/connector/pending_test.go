package connector

import (
	"testing"
	"time"

	"github.com/randomstuff/dnsfwd/internal/dns/log"
	"github.com/randomstuff/dnsfwd/internal/dns/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessage(clientID uint16, ts time.Time) *message.Message {
	m := message.New()
	m.ClientID = clientID
	m.Timestamp = ts
	return m
}

func TestPendingTable_InsertLookupRemove(t *testing.T) {
	pt := newPendingTable(16, log.NewNoopLogger())
	msg := newTestMessage(7, time.Unix(0, 0))

	pt.insert(msg)
	assert.True(t, pt.contains(7))
	assert.Equal(t, 1, pt.len())

	got, ok := pt.lookup(7)
	require.True(t, ok)
	assert.Same(t, msg, got)

	pt.remove(7)
	assert.False(t, pt.contains(7))
	assert.Equal(t, 0, pt.len())
}

func TestPendingTable_InsertIsInPendingIffInExpiry(t *testing.T) {
	pt := newPendingTable(16, log.NewNoopLogger())
	a := newTestMessage(1, time.Unix(0, 0))
	b := newTestMessage(2, time.Unix(1, 0))

	pt.insert(a)
	pt.insert(b)
	assert.Equal(t, 2, pt.expiry.Len())
	assert.Equal(t, 2, pt.len())

	pt.remove(1)
	assert.Equal(t, 1, pt.expiry.Len())
	assert.Equal(t, 1, pt.len())
	assert.Equal(t, b, pt.expiry.Front().Value.(*message.Message))
}

func TestPendingTable_OverflowEvictsAndKeepsInvariant(t *testing.T) {
	pt := newPendingTable(2, log.NewNoopLogger())
	pt.insert(newTestMessage(1, time.Unix(0, 0)))
	pt.insert(newTestMessage(2, time.Unix(1, 0)))
	pt.insert(newTestMessage(3, time.Unix(2, 0)))

	assert.Equal(t, 2, pt.len())
	assert.Equal(t, 2, pt.expiry.Len())
}

func TestPendingTable_AgeOutRemovesOnlyExpired(t *testing.T) {
	pt := newPendingTable(16, log.NewNoopLogger())
	base := time.Unix(1000, 0)
	pt.insert(newTestMessage(1, base))
	pt.insert(newTestMessage(2, base.Add(30*time.Second)))
	pt.insert(newTestMessage(3, base.Add(90*time.Second)))

	removed := pt.ageOut(base.Add(60 * time.Second))

	assert.Equal(t, 2, removed)
	assert.False(t, pt.contains(1))
	assert.False(t, pt.contains(2))
	assert.True(t, pt.contains(3))
	assert.Equal(t, 1, pt.len())
	assert.Equal(t, 1, pt.expiry.Len())
}

func TestPendingTable_AgeOutNothingDueIsNoop(t *testing.T) {
	pt := newPendingTable(16, log.NewNoopLogger())
	pt.insert(newTestMessage(1, time.Unix(1000, 0)))

	removed := pt.ageOut(time.Unix(999, 0))

	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, pt.len())
}
