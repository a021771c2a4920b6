package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualMonitorEmitsTransitionsOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManualMonitor(false)
	ch := m.Observe(ctx)

	m.Set(false)
	select {
	case v := <-ch:
		t.Fatalf("unexpected emission %v", v)
	default:
	}

	m.Set(true)
	assert.True(t, <-ch)
	assert.True(t, m.IsConnected(ctx))
}

func TestObserveClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManualMonitor(true)
	ch := m.Observe(ctx)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestProbeMonitor(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	ctx := context.Background()
	m := NewProbeMonitor(ln.Addr().String(), time.Second)
	obs, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := m.Observe(obs)

	assert.True(t, m.IsConnected(ctx))
	assert.True(t, <-ch)

	ln.Close()
	assert.False(t, m.IsConnected(ctx))
	assert.False(t, <-ch)
}
