package mesh

import (
	"math/rand"
	"time"

	"github.com/offmesh/offmesh/internal/loop"
)

const (
	defaultJitterMin = 500 * time.Millisecond
	defaultJitterMax = 2000 * time.Millisecond
)

// admission delays outbound connects by a random jitter so that two peers
// discovering each other at once rarely both dial. The side whose timer
// fires first wins; the other sees the connection and cancels.
type admission struct {
	loop    *loop.Loop
	jitter  func() time.Duration
	pending map[string]*loop.Timer
}

func newAdmission(l *loop.Loop, jitter func() time.Duration) *admission {
	return &admission{loop: l, jitter: jitter, pending: make(map[string]*loop.Timer)}
}

// schedule arms a connect attempt for peerID unless one is already armed.
// fire runs on the loop after the attempt is removed from the pending set.
func (a *admission) schedule(peerID string, fire func()) bool {
	if _, ok := a.pending[peerID]; ok {
		return false
	}
	var t *loop.Timer
	t = a.loop.AfterFunc(a.jitter(), func() {
		if a.pending[peerID] != t {
			return
		}
		delete(a.pending, peerID)
		fire()
	})
	a.pending[peerID] = t
	return true
}

func (a *admission) cancel(peerID string) bool {
	t, ok := a.pending[peerID]
	if !ok {
		return false
	}
	t.Stop()
	delete(a.pending, peerID)
	return true
}

func (a *admission) cancelAll() {
	for id, t := range a.pending {
		t.Stop()
		delete(a.pending, id)
	}
}

// uniformJitter draws from [min, max] inclusive.
func uniformJitter(min, max time.Duration, rnd *rand.Rand) func() time.Duration {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	span := int64(max - min)
	return func() time.Duration {
		if span == 0 {
			return min
		}
		return min + time.Duration(rnd.Int63n(span+1))
	}
}
