package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	studyA    = "1.2.840.1.1"
	seriesA1  = "1.2.840.1.1.10"
	instA1a   = "1.2.840.1.1.10.1"
	studyB    = "1.2.840.2.2"
	seriesB1  = "1.2.840.2.2.10"
	instB1a   = "1.2.840.2.2.10.1"
)

func TestValidateMatchesScope(t *testing.T) {
	tr := New()
	defer tr.Close()

	h := tr.Register(studyA, "", "", time.Minute)

	// Any store within the study is authorized.
	id, ok := tr.Validate(studyA, seriesA1, instA1a)
	require.True(t, ok)
	assert.Equal(t, h.ID, id)

	// A store from another study is not.
	_, ok = tr.Validate(studyB, seriesB1, instB1a)
	assert.False(t, ok)
}

func TestValidateNarrowScope(t *testing.T) {
	tr := New()
	defer tr.Close()

	tr.Register(studyA, seriesA1, instA1a, time.Minute)

	_, ok := tr.Validate(studyA, seriesA1, instA1a)
	assert.True(t, ok)

	// Same study and series, different instance.
	_, ok = tr.Validate(studyA, seriesA1, "1.2.840.1.1.10.2")
	assert.False(t, ok)
}

func TestRecordUnknownCorrelation(t *testing.T) {
	tr := New()
	defer tr.Close()

	assert.ErrorIs(t, tr.Record("nope", Instance{}), ErrUnknownCorrelation)
	assert.ErrorIs(t, tr.Complete("nope", 1), ErrUnknownCorrelation)
}

func TestResolveRequiresTerminalAndFullCount(t *testing.T) {
	tr := New()
	defer tr.Close()

	h := tr.Register(studyA, "", "", time.Minute)

	// Two of three stores arrive before the terminal response.
	require.NoError(t, tr.Record(h.ID, Instance{SOPInstanceUID: instA1a, Data: []byte("ds1")}))
	require.NoError(t, tr.Record(h.ID, Instance{SOPInstanceUID: "1.2.840.1.1.10.2", Data: []byte("ds2")}))
	select {
	case <-h.Done():
		t.Fatal("resolved before terminal response")
	default:
	}

	// Terminal response alone is not enough while a store is outstanding.
	require.NoError(t, tr.Complete(h.ID, 3))
	select {
	case <-h.Done():
		t.Fatal("resolved before final store arrived")
	default:
	}

	require.NoError(t, tr.Record(h.ID, Instance{SOPInstanceUID: "1.2.840.1.1.10.3", Data: []byte("ds3")}))
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("did not resolve after final store")
	}
	assert.True(t, h.Resolved())
	assert.Len(t, h.Instances(), 3)
	assert.Equal(t, 0, tr.Pending())
}

func TestResolveWhenStoresBeatTerminalResponse(t *testing.T) {
	tr := New()
	defer tr.Close()

	h := tr.Register(studyA, "", "", time.Minute)
	require.NoError(t, tr.Record(h.ID, Instance{SOPInstanceUID: instA1a, Data: []byte("ds1")}))
	require.NoError(t, tr.Record(h.ID, Instance{SOPInstanceUID: "1.2.840.1.1.10.2", Data: []byte("ds2")}))
	require.NoError(t, tr.Complete(h.ID, 2))

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("did not resolve")
	}
	assert.True(t, h.Resolved())
	assert.Len(t, h.Instances(), 2)
}

func TestCancelClosesWithoutResolving(t *testing.T) {
	tr := New()
	defer tr.Close()

	h := tr.Register(studyA, "", "", time.Minute)
	tr.Cancel(h.ID)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not close the handle")
	}
	assert.False(t, h.Resolved())
	_, ok := tr.Validate(studyA, seriesA1, instA1a)
	assert.False(t, ok)
}

func TestSweepExpiresPastDeadline(t *testing.T) {
	tr := New()
	defer tr.Close()

	h := tr.Register(studyA, "", "", 50*time.Millisecond)
	tr.sweep(time.Now().Add(time.Second))

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("sweep did not expire the retrieve")
	}
	assert.False(t, h.Resolved())
	assert.Equal(t, 0, tr.Pending())
}

func TestPendingGaugeTracksCount(t *testing.T) {
	tr := New()
	defer tr.Close()

	var last int
	tr.PendingGauge = func(n int) { last = n }

	h1 := tr.Register(studyA, "", "", time.Minute)
	h2 := tr.Register(studyB, "", "", time.Minute)
	assert.Equal(t, 2, last)

	tr.Cancel(h1.ID)
	assert.Equal(t, 1, last)

	require.NoError(t, tr.Complete(h2.ID, 0))
	<-h2.Done()
	assert.Equal(t, 0, last)
}
