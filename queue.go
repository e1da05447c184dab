package magma

import (
	"math/rand"
	"sort"

	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// QueueChangeType classifies a single Queue mutation, carried on the
// PlayerStateUpdate(QueueChange) event Player emits after it (spec.md §4.3).
type QueueChangeType string

const (
	QueueAdd         QueueChangeType = "add"
	QueueAutoPlayAdd QueueChangeType = "autoPlayAdd"
	QueueRemove      QueueChangeType = "remove"
	QueueClear       QueueChangeType = "clear"
	QueueShuffle     QueueChangeType = "shuffle"
	QueueRoundRobin  QueueChangeType = "roundRobin"
	QueueUserBlock   QueueChangeType = "userBlock"
)

// Queue is the per-player ordered track container (C3): a nullable
// current track, an ordered upcoming sequence, and a bounded previous
// history ring.
type Queue struct {
	current  *Track
	upcoming *arraylist.List
	previous *doublylinkedlist.List

	maxPreviousTracks int

	// BotUserHandle is the cached requester identity used to detect
	// autoplay-originated adds (spec.md §4.3).
	BotUserHandle string

	// OnChange is invoked once per mutating operation after the mutation
	// is observable, with the full tracks slice relevant to that
	// mutation (added tracks, removed tracks, or nil for clear/shuffle).
	OnChange func(change QueueChangeType, tracks []*Track)
}

// NewQueue constructs an empty Queue. maxPreviousTracks <= 0 falls back
// to the spec default of 20.
func NewQueue(maxPreviousTracks int) *Queue {
	if maxPreviousTracks <= 0 {
		maxPreviousTracks = 20
	}
	return &Queue{
		upcoming:          arraylist.New(),
		previous:          doublylinkedlist.New(),
		maxPreviousTracks: maxPreviousTracks,
		OnChange:          func(QueueChangeType, []*Track) {},
	}
}

func (q *Queue) Current() *Track { return q.current }

// SetCurrent directly assigns current without touching upcoming or
// previous; used by Player's TrackEnd reason handling.
func (q *Queue) SetCurrent(t *Track) { q.current = t }

// Upcoming returns a snapshot slice of the upcoming sequence.
func (q *Queue) Upcoming() []*Track {
	out := make([]*Track, q.upcoming.Size())
	for i, v := range q.upcoming.Values() {
		out[i] = v.(*Track)
	}
	return out
}

// Previous returns the bounded history, most recent first.
func (q *Queue) Previous() []*Track {
	values := q.previous.Values()
	out := make([]*Track, len(values))
	for i, v := range values {
		out[i] = v.(*Track)
	}
	return out
}

// Count is the number of tracks in the upcoming sequence (current and
// previous are not included).
func (q *Queue) Count() int { return q.upcoming.Size() }

// TotalDuration sums the duration of current plus every upcoming track.
func (q *Queue) TotalDuration() int {
	total := 0
	if q.current != nil {
		total += q.current.DurationMs
	}
	for _, v := range q.upcoming.Values() {
		total += v.(*Track).DurationMs
	}
	return total
}

// pushPrevious adds t to the front of the bounded history ring,
// evicting the oldest entry once maxPreviousTracks is exceeded (FIFO).
func (q *Queue) pushPrevious(t *Track) {
	q.previous.Insert(0, t)
	if q.previous.Size() > q.maxPreviousTracks {
		q.previous.Remove(q.previous.Size() - 1)
	}
}

// PopPrevious removes and returns the most recent history entry, used
// by Player.Previous(). Returns (nil, false) if history is empty.
func (q *Queue) PopPrevious() (*Track, bool) {
	v, ok := q.previous.Get(0)
	if !ok {
		return nil, false
	}
	q.previous.Remove(0)
	return v.(*Track), true
}

// PushFront inserts t at the head of the upcoming sequence, used by
// Player.Previous() to put the interrupted track back in line.
func (q *Queue) PushFront(t *Track) {
	q.upcoming.Insert(0, t)
}

// ShiftUpcoming removes and returns the first upcoming track.
func (q *Queue) ShiftUpcoming() (*Track, bool) {
	v, ok := q.upcoming.Get(0)
	if !ok {
		return nil, false
	}
	q.upcoming.Remove(0)
	return v.(*Track), true
}

// Add inserts one or more tracks at offset (defaulting to the tail).
// If current is nil, the first added track becomes current without
// occupying an upcoming slot, per spec.md §4.3.
func (q *Queue) Add(tracks []*Track, offset ...int) QueueChangeType {
	if len(tracks) == 0 {
		return QueueAdd
	}
	changeType := QueueAdd
	if q.BotUserHandle != "" && tracks[0].Requester == q.BotUserHandle {
		changeType = QueueAutoPlayAdd
	}

	rest := tracks
	if q.current == nil {
		q.current = tracks[0]
		rest = tracks[1:]
	}
	if len(rest) > 0 {
		pos := q.upcoming.Size()
		if len(offset) > 0 {
			pos = offset[0]
		}
		values := make([]interface{}, len(rest))
		for i, t := range rest {
			values[i] = t
		}
		q.upcoming.Insert(pos, values...)
	}
	q.OnChange(changeType, tracks)
	return changeType
}

// Remove drops the track at pos (single-arg form) or the half-open
// range [start,end) (two-arg form). Rejects start>=end or start>=size.
func (q *Queue) Remove(startEnd ...int) ([]*Track, error) {
	size := q.upcoming.Size()
	start, end := 0, 0
	switch len(startEnd) {
	case 1:
		start, end = startEnd[0], startEnd[0]+1
	case 2:
		start, end = startEnd[0], startEnd[1]
	default:
		return nil, ErrInvalidRange
	}
	if start >= end || start >= size || start < 0 {
		return nil, ErrInvalidRange
	}
	if end > size {
		end = size
	}

	removed := make([]*Track, 0, end-start)
	for i := start; i < end; i++ {
		v, _ := q.upcoming.Get(start)
		removed = append(removed, v.(*Track))
		q.upcoming.Remove(start)
	}
	q.OnChange(QueueRemove, removed)
	return removed, nil
}

// Clear empties the upcoming sequence (current and previous untouched).
func (q *Queue) Clear() {
	q.upcoming.Clear()
	q.OnChange(QueueClear, nil)
}

// Shuffle performs an in-place Fisher-Yates shuffle of the upcoming
// sequence.
func (q *Queue) Shuffle() {
	values := q.upcoming.Values()
	for i := len(values) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		values[i], values[j] = values[j], values[i]
	}
	q.upcoming.Clear()
	q.upcoming.Add(values...)
	q.OnChange(QueueShuffle, nil)
}

// groupByRequester partitions the upcoming sequence into per-requester
// blocks, preserving first-seen requester order and internal order.
func (q *Queue) groupByRequester() ([]string, map[string][]*Track) {
	order := make([]string, 0)
	groups := make(map[string][]*Track)
	for _, v := range q.upcoming.Values() {
		t := v.(*Track)
		if _, ok := groups[t.Requester]; !ok {
			order = append(order, t.Requester)
		}
		groups[t.Requester] = append(groups[t.Requester], t)
	}
	return order, groups
}

// UserBlockShuffle groups tracks by requester, then interleaves one
// full block per requester round-robin, preserving each block's
// internal order (spec.md §4.3).
func (q *Queue) UserBlockShuffle() {
	order, groups := q.groupByRequester()
	out := make([]*Track, 0, q.upcoming.Size())
	for _, requester := range order {
		out = append(out, groups[requester]...)
	}
	q.replaceUpcoming(out)
	q.OnChange(QueueUserBlock, nil)
}

// RoundRobinShuffle groups tracks by requester, shuffles within each
// group, then interleaves one track per requester per round.
func (q *Queue) RoundRobinShuffle() {
	order, groups := q.groupByRequester()
	for _, requester := range order {
		g := groups[requester]
		for i := len(g) - 1; i > 0; i-- {
			j := rand.Intn(i + 1)
			g[i], g[j] = g[j], g[i]
		}
	}
	// Stable order of requesters keeps interleaving deterministic given
	// the per-group shuffles above.
	sort.Strings(order)

	out := make([]*Track, 0, q.upcoming.Size())
	idx := map[string]int{}
	for {
		progressed := false
		for _, requester := range order {
			g := groups[requester]
			i := idx[requester]
			if i < len(g) {
				out = append(out, g[i])
				idx[requester] = i + 1
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	q.replaceUpcoming(out)
	q.OnChange(QueueRoundRobin, nil)
}

func (q *Queue) replaceUpcoming(tracks []*Track) {
	q.upcoming.Clear()
	values := make([]interface{}, len(tracks))
	for i, t := range tracks {
		values[i] = t
	}
	q.upcoming.Add(values...)
}
