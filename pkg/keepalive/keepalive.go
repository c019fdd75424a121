// Package keepalive implements the client-side keep-alive loop: a
// periodic liveness beacon that reports the highest observed event
// sequence per session and detects session loss on timeout.
package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/meridianio/meridian/pkg/clientsession"
	"github.com/meridianio/meridian/pkg/log"
	"github.com/meridianio/meridian/pkg/transport"
	"github.com/meridianio/meridian/pkg/types"
)

// Loop sends a KeepAlive at heartbeatInterval and watches for
// sessionTimeout to elapse without a successful one.
type Loop struct {
	tr      transport.Transport
	session *clientsession.State

	heartbeatInterval time.Duration
	sessionTimeout    time.Duration

	onSessionLoss func(sessionID uint64, err error)

	mu        sync.Mutex
	lastAckAt time.Time
	inFlight  bool

	stop chan struct{}
}

// New creates a keep-alive loop. heartbeatInterval defaults to
// sessionTimeout/2 when zero.
func New(tr transport.Transport, session *clientsession.State, sessionTimeout, heartbeatInterval time.Duration, onSessionLoss func(uint64, error)) *Loop {
	if heartbeatInterval <= 0 {
		heartbeatInterval = sessionTimeout / 2
	}
	return &Loop{
		tr:                tr,
		session:           session,
		heartbeatInterval: heartbeatInterval,
		sessionTimeout:    sessionTimeout,
		onSessionLoss:     onSessionLoss,
		lastAckAt:         time.Now(),
		stop:              make(chan struct{}),
	}
}

// Run drives the loop until ctx is cancelled or Stop is called. Intended
// to be run in its own goroutine.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.beat(ctx)
			if l.expired() {
				l.reportLoss(types.NewWireError(types.UnknownSession, "keep-alive timeout"))
				return
			}
		}
	}
}

// Stop ends the loop.
func (l *Loop) Stop() {
	close(l.stop)
}

// beat sends one keep-alive, coalescing overlapping sends: at most one
// is ever in flight per session.
func (l *Loop) beat(ctx context.Context) {
	l.mu.Lock()
	if l.inFlight {
		l.mu.Unlock()
		return
	}
	l.inFlight = true
	l.mu.Unlock()

	req := types.KeepAliveRequest{
		SessionID:       l.session.SessionID(),
		CommandSequence: l.session.LastResponse(),
		EventIndex:      l.session.EventIndex(),
	}

	fut := l.tr.KeepAlive(ctx, req)
	resp, err := fut.Wait(ctx)

	l.mu.Lock()
	l.inFlight = false
	if err == nil && resp.Kind == types.Ok {
		l.lastAckAt = time.Now()
	}
	l.mu.Unlock()

	if err != nil {
		log.WithComponent("keepalive").Warn().Err(err).Msg("keep-alive send failed")
		return
	}
	if resp.Kind == types.UnknownSession || resp.Kind == types.SessionExpired {
		l.reportLoss(types.NewWireError(resp.Kind, resp.Error))
	}
}

func (l *Loop) expired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastAckAt) > l.sessionTimeout
}

func (l *Loop) reportLoss(err error) {
	if l.onSessionLoss != nil {
		l.onSessionLoss(l.session.SessionID(), err)
	}
}
