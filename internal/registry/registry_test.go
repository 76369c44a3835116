package registry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftchat/driftchat/internal/types"
)

type nopTransport struct{ closed bool }

func (t *nopTransport) Send([]byte) bool { return true }
func (t *nopTransport) Close()           { t.closed = true }

func newTestRegistry(ceiling int) *Registry {
	return New(ceiling, zerolog.Nop())
}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	r := newTestRegistry(0)

	a, err := r.Register(&nopTransport{})
	require.NoError(t, err)
	b, err := r.Register(&nopTransport{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, types.StateConnecting, a.State())
	assert.Equal(t, 2, r.Len())
}

func TestRegisterCeiling(t *testing.T) {
	r := newTestRegistry(1)

	_, err := r.Register(&nopTransport{})
	require.NoError(t, err)

	_, err = r.Register(&nopTransport{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// Slots free up when connections leave.
	conns := r.Expired(-time.Second) // everything "expired" with negative grace
	require.Len(t, conns, 1)
	_, err = r.Unregister(conns[0].ID)
	require.NoError(t, err)

	_, err = r.Register(&nopTransport{})
	assert.NoError(t, err)
}

func TestUnknownIDsAreNotFound(t *testing.T) {
	r := newTestRegistry(0)

	assert.ErrorIs(t, r.Touch(42), ErrNotFound)
	assert.ErrorIs(t, r.SetState(42, types.StateIdle), ErrNotFound)
	_, err := r.Unregister(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregisterFiresHooksOnceOutsideLock(t *testing.T) {
	r := newTestRegistry(0)
	conn, err := r.Register(&nopTransport{})
	require.NoError(t, err)

	var evicted []int64
	r.OnEvict(func(c *Conn) {
		// Hook may use registry methods; must not deadlock.
		_ = r.Len()
		evicted = append(evicted, c.ID)
	})

	got, err := r.Unregister(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, got.ID)
	assert.Equal(t, types.StateClosed, got.State())
	assert.Equal(t, []int64{conn.ID}, evicted)

	// Second unregister is a NotFound no-op, hooks do not refire.
	_, err = r.Unregister(conn.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, evicted, 1)
}

func TestExpired(t *testing.T) {
	r := newTestRegistry(0)
	stale, err := r.Register(&nopTransport{})
	require.NoError(t, err)
	fresh, err := r.Register(&nopTransport{})
	require.NoError(t, err)

	stale.touch(time.Now().Add(-time.Minute))
	require.NoError(t, r.Touch(fresh.ID))

	dead := r.Expired(30 * time.Second)
	require.Len(t, dead, 1)
	assert.Equal(t, stale.ID, dead[0].ID)
}

func TestCountsAndCountries(t *testing.T) {
	r := newTestRegistry(0)

	a, _ := r.Register(&nopTransport{})
	b, _ := r.Register(&nopTransport{})
	c, _ := r.Register(&nopTransport{})

	a.SetProfile(types.ChatTypeText, nil, "", "")
	b.SetProfile(types.ChatTypeText, nil, "", "")
	c.SetProfile(types.ChatTypeVideo, nil, "", "")

	a.SetCountry("DE")
	b.SetCountry("DE")
	c.SetCountry("JP")

	counts := r.CountByChatType()
	assert.Equal(t, 2, counts[types.ChatTypeText])
	assert.Equal(t, 1, counts[types.ChatTypeVideo])
	assert.Equal(t, 2, r.DistinctCountries())
}
