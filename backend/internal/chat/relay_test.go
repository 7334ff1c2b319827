package chat

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptDeterministicAcrossArrivalOrders(t *testing.T) {
	entries := []Entry{
		{UserID: "u1", Message: "first", Timestamp: 100},
		{UserID: "u2", Message: "second", Timestamp: 200},
		{UserID: "u1", Message: "third", Timestamp: 300},
		{UserID: "u3", Message: "fourth", Timestamp: 400},
	}

	want := []string{"first", "second", "third", "fourth"}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]Entry(nil), entries...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		r := NewRelay()
		for _, e := range shuffled {
			r.Append(e)
		}
		var got []string
		for _, e := range r.Entries() {
			got = append(got, e.Message)
		}
		assert.Equal(t, want, got)
	}
}

func TestEqualTimestampTieBreaksByUserID(t *testing.T) {
	r := NewRelay()
	r.Append(Entry{UserID: "zz", Message: "from z", Timestamp: 100})
	r.Append(Entry{UserID: "aa", Message: "from a", Timestamp: 100})

	got := r.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "aa", got[0].UserID)
	assert.Equal(t, "zz", got[1].UserID)
}

func TestSystemNoticesInterleave(t *testing.T) {
	r := NewRelay()
	r.Append(Entry{UserID: "u1", Message: "hi", Timestamp: 100})
	r.System("Bea joined", 150)
	r.Append(Entry{UserID: "u2", Message: "hello", Timestamp: 200})

	got := r.Entries()
	require.Len(t, got, 3)
	assert.Equal(t, SystemSenderID, got[1].UserID)
	assert.Equal(t, "Bea joined", got[1].Message)
}

func TestUnseenCount(t *testing.T) {
	r := NewRelay()

	// Panel hidden by default: everything counts as unseen.
	r.Append(Entry{UserID: "u1", Message: "a", Timestamp: 1})
	r.Append(Entry{UserID: "u1", Message: "b", Timestamp: 2})
	assert.Equal(t, 2, r.Unseen())

	// Opening the panel zeroes the count regardless of scroll position.
	r.SetVisible(true)
	assert.Equal(t, 0, r.Unseen())

	r.Append(Entry{UserID: "u1", Message: "c", Timestamp: 3})
	assert.Equal(t, 0, r.Unseen())

	r.SetVisible(false)
	r.Append(Entry{UserID: "u1", Message: "d", Timestamp: 4})
	assert.Equal(t, 1, r.Unseen())
}

func TestEntriesReturnsCopy(t *testing.T) {
	r := NewRelay()
	r.Append(Entry{UserID: "u1", Message: "a", Timestamp: 1})

	got := r.Entries()
	got[0].Message = "mutated"
	assert.Equal(t, "a", r.Entries()[0].Message)
}
