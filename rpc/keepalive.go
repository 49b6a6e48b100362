package rpc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Keep-alive monitor states.
const (
	kaIdle int32 = iota
	kaAwaitingPong
	kaClosed
)

// keepAlive is the bidirectional liveness state machine run per client node
// over the duplex socket. When no inbound frame has been observed within one
// interval, it sends a probe event and arms a timeout of the same length;
// an unanswered probe closes the connection.
type keepAlive struct {
	interval time.Duration

	state       atomic.Int32
	lastInbound atomic.Int64 // unix nanos of last inbound frame

	onProbe   func()
	onTimeout func()

	touchC   chan struct{}
	stopC    chan struct{}
	stopOnce sync.Once
}

func newKeepAlive(interval time.Duration, onProbe, onTimeout func()) *keepAlive {
	k := &keepAlive{
		interval:  interval,
		onProbe:   onProbe,
		onTimeout: onTimeout,
		touchC:    make(chan struct{}, 1),
		stopC:     make(chan struct{}),
	}
	k.lastInbound.Store(time.Now().UnixNano())
	return k
}

func (k *keepAlive) start() {
	go k.run()
}

// Touch records inbound traffic. Any frame counts as liveness and cancels a
// pending timeout.
func (k *keepAlive) Touch() {
	k.lastInbound.Store(time.Now().UnixNano())
	select {
	case k.touchC <- struct{}{}:
	default:
	}
}

// Stop terminates the monitor from any state without firing the timeout.
func (k *keepAlive) Stop() {
	k.stopOnce.Do(func() { close(k.stopC) })
}

func (k *keepAlive) sinceInbound() time.Duration {
	return time.Since(time.Unix(0, k.lastInbound.Load()))
}

func (k *keepAlive) run() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	var timeout *time.Timer
	var timeoutC <-chan time.Time
	defer func() {
		if timeout != nil {
			timeout.Stop()
		}
	}()

	for {
		select {
		case <-ticker.C:
			if k.state.Load() == kaAwaitingPong {
				continue
			}
			if k.sinceInbound() < k.interval {
				continue
			}
			k.state.Store(kaAwaitingPong)
			k.onProbe()
			timeout = time.NewTimer(k.interval)
			timeoutC = timeout.C

		case <-timeoutC:
			timeoutC = nil
			if k.sinceInbound() < k.interval {
				// A frame raced the timer; the peer is alive.
				k.state.Store(kaIdle)
				continue
			}
			k.state.Store(kaClosed)
			k.onTimeout()
			return

		case <-k.touchC:
			if timeout != nil {
				timeout.Stop()
				timeoutC = nil
			}
			if k.state.Load() == kaAwaitingPong {
				k.state.Store(kaIdle)
			}

		case <-k.stopC:
			k.state.Store(kaClosed)
			return
		}
	}
}
