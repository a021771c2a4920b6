// Package network reports connectivity to the sync engine.
package network

import (
	"context"
	"net"
	"sync"
	"time"
)

// Monitor is the connectivity source consumed by the trigger.
type Monitor interface {
	IsConnected(ctx context.Context) bool
	// Observe streams connectivity transitions until ctx is done.
	Observe(ctx context.Context) <-chan bool
}

// broadcaster fans transitions out to observers, dropping values for slow ones.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan bool]struct{}
	last *bool
}

func (b *broadcaster) subscribe(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan bool]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch
}

// emit publishes online if it differs from the last emitted value.
func (b *broadcaster) emit(online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last != nil && *b.last == online {
		return
	}
	b.last = &online
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// ProbeMonitor samples connectivity by dialing a TCP address.
type ProbeMonitor struct {
	address string
	timeout time.Duration
	dialer  func(ctx context.Context, network, address string) (net.Conn, error)
	b       broadcaster
}

func NewProbeMonitor(address string, timeout time.Duration) *ProbeMonitor {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &ProbeMonitor{address: address, timeout: timeout, dialer: d.DialContext}
}

func (m *ProbeMonitor) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dialer(ctx, "tcp", m.address)
	online := err == nil
	if conn != nil {
		conn.Close()
	}
	m.b.emit(online)
	return online
}

func (m *ProbeMonitor) Observe(ctx context.Context) <-chan bool {
	return m.b.subscribe(ctx)
}

// ManualMonitor is driven by the embedding platform (or tests) via Set.
type ManualMonitor struct {
	mu     sync.RWMutex
	online bool
	b      broadcaster
}

func NewManualMonitor(online bool) *ManualMonitor {
	m := &ManualMonitor{online: online}
	initial := online
	m.b.last = &initial
	return m
}

func (m *ManualMonitor) Set(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
	m.b.emit(online)
}

func (m *ManualMonitor) IsConnected(context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *ManualMonitor) Observe(ctx context.Context) <-chan bool {
	return m.b.subscribe(ctx)
}
