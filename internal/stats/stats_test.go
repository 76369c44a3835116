package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/driftchat/driftchat/internal/types"
)

type fakeConns struct {
	n         int
	byType    map[types.ChatType]int
	countries int
}

func (f fakeConns) Len() int                               { return f.n }
func (f fakeConns) CountByChatType() map[types.ChatType]int { return f.byType }
func (f fakeConns) DistinctCountries() int                 { return f.countries }

type fakePool struct {
	depth  int
	byType map[types.ChatType]int
}

func (f fakePool) Depth() int                            { return f.depth }
func (f fakePool) DepthByType() map[types.ChatType]int   { return f.byType }

type fakeSessions struct{ n int }

func (f fakeSessions) Len() int { return f.n }

func TestSnapshotReflectsSources(t *testing.T) {
	agg := New(
		fakeConns{n: 5, byType: map[types.ChatType]int{types.ChatTypeText: 3, types.ChatTypeVideo: 2}, countries: 4},
		fakePool{depth: 2, byType: map[types.ChatType]int{types.ChatTypeText: 2}},
		fakeSessions{n: 1},
	)

	agg.RecordSessionCreated()
	agg.RecordSessionCreated()

	snap := agg.Snapshot()
	assert.Equal(t, 5, snap.ActiveConnections)
	assert.Equal(t, 3, snap.ByChatType[types.ChatTypeText])
	assert.Equal(t, 2, snap.Waiting)
	assert.Equal(t, 1, snap.ActiveSessions)
	assert.Equal(t, int64(2), snap.SessionsToday)
	assert.Equal(t, 4, snap.Countries)
	assert.False(t, snap.GeneratedAt.IsZero())
}

func TestSessionsTodayRollsOver(t *testing.T) {
	agg := New(fakeConns{}, fakePool{}, fakeSessions{})

	agg.RecordSessionCreated()
	agg.RecordSessionCreated()
	assert.Equal(t, int64(2), agg.SessionsToday())

	// Pretend the counter was anchored yesterday; the next record resets it.
	agg.forceDayAnchor(time.Now().UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour))
	agg.RecordSessionCreated()
	assert.Equal(t, int64(1), agg.SessionsToday())

	// A snapshot after a rollover with no new sessions also resets.
	agg.forceDayAnchor(time.Now().UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour))
	snap := agg.Snapshot()
	assert.Equal(t, int64(0), snap.SessionsToday)
}
