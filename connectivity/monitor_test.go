package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/maxpert/livesync/clock"
	"github.com/stretchr/testify/assert"
)

func TestManual_NotifiesOnlyOnTransition(t *testing.T) {
	m := NewManual(false)

	var seen []bool
	cancel := m.Watch(func(online bool) { seen = append(seen, online) })

	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)
	assert.Equal(t, []bool{true, false}, seen)

	cancel()
	m.Set(true)
	assert.Len(t, seen, 2, "cancelled watcher must not be called")
	assert.True(t, m.Online())
}

func TestProbe_CheckTracksDialResult(t *testing.T) {
	fail := true
	p := NewProbe("example:4222", time.Second, time.Second, clock.NewFake(time.Unix(0, 0))).
		WithDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
			if fail {
				return nil, errors.New("unreachable")
			}
			c1, c2 := net.Pipe()
			c2.Close()
			return c1, nil
		})

	var seen []bool
	p.Watch(func(online bool) { seen = append(seen, online) })

	assert.False(t, p.Check(context.Background()))
	assert.False(t, p.Online())

	fail = false
	assert.True(t, p.Check(context.Background()))
	assert.Equal(t, []bool{false, true}, seen)
}
