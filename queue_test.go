package magma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func track(id, requester string) *Track {
	return &Track{Encoded: id, Identifier: id, Requester: requester}
}

func TestQueueAddFirstTrackBecomesCurrent(t *testing.T) {
	q := NewQueue(0)
	changeType := q.Add([]*Track{track("a", "u1")})
	assert.Equal(t, QueueAdd, changeType)
	assert.Equal(t, "a", q.Current().Identifier)
	assert.Equal(t, 0, q.Count())
}

func TestQueueAddAppendsToUpcomingWhenCurrentSet(t *testing.T) {
	q := NewQueue(0)
	q.Add([]*Track{track("a", "u1")})
	q.Add([]*Track{track("b", "u1"), track("c", "u1")})
	assert.Equal(t, 2, q.Count())
	assert.Equal(t, []string{"b", "c"}, ids(q.Upcoming()))
}

func TestQueueAddDetectsAutoplay(t *testing.T) {
	q := NewQueue(0)
	q.BotUserHandle = "magma-bot"
	q.Add([]*Track{track("a", "someone")})
	changeType := q.Add([]*Track{track("b", "magma-bot")})
	assert.Equal(t, QueueAutoPlayAdd, changeType)
}

func TestQueueAddEmptyIsNoop(t *testing.T) {
	q := NewQueue(0)
	changeType := q.Add(nil)
	assert.Equal(t, QueueAdd, changeType)
	assert.Nil(t, q.Current())
}

func TestQueueRemoveRange(t *testing.T) {
	q := NewQueue(0)
	q.Add([]*Track{track("a", ""), track("b", ""), track("c", ""), track("d", "")})
	removed, err := q.Remove(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(removed))
	assert.Equal(t, []string{"b"}, ids(q.Upcoming()))
}

func TestQueueRemoveInvalidRange(t *testing.T) {
	q := NewQueue(0)
	q.Add([]*Track{track("a", "")})
	_, err := q.Remove(5)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = q.Remove(1, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestQueueClear(t *testing.T) {
	q := NewQueue(0)
	q.Add([]*Track{track("a", ""), track("b", "")})
	q.Clear()
	assert.Equal(t, 0, q.Count())
	assert.Equal(t, "a", q.Current().Identifier)
}

func TestQueuePreviousRingEviction(t *testing.T) {
	q := NewQueue(2)
	q.pushPrevious(track("a", ""))
	q.pushPrevious(track("b", ""))
	q.pushPrevious(track("c", ""))
	prev := q.Previous()
	require.Len(t, prev, 2)
	assert.Equal(t, "c", prev[0].Identifier)
	assert.Equal(t, "b", prev[1].Identifier)
}

func TestQueuePopPreviousEmpty(t *testing.T) {
	q := NewQueue(0)
	_, ok := q.PopPrevious()
	assert.False(t, ok)
}

func TestQueueUserBlockShuffleGroupsByRequester(t *testing.T) {
	q := NewQueue(0)
	q.Add([]*Track{
		track("a", "u1"), track("b", "u2"), track("c", "u1"), track("d", "u2"),
	})
	q.UserBlockShuffle()
	assert.Equal(t, []string{"b", "d", "c"}, ids(q.Upcoming()))
}

func TestQueueRoundRobinShuffleInterleaves(t *testing.T) {
	q := NewQueue(0)
	q.Add([]*Track{
		track("a", "u1"), track("b", "u2"), track("c", "u1"), track("d", "u2"), track("e", "u1"),
	})
	q.RoundRobinShuffle()
	out := ids(q.Upcoming())
	require.Len(t, out, 4)
	assert.ElementsMatch(t, []string{"b", "c", "d", "e"}, out)
}

func TestQueueTotalDuration(t *testing.T) {
	q := NewQueue(0)
	a := track("a", "")
	a.DurationMs = 1000
	b := track("b", "")
	b.DurationMs = 2000
	q.Add([]*Track{a, b})
	assert.Equal(t, 3000, q.TotalDuration())
}

func ids(tracks []*Track) []string {
	out := make([]string, len(tracks))
	for i, t := range tracks {
		out[i] = t.Identifier
	}
	return out
}
