package mesh

import (
	"time"

	"github.com/offmesh/offmesh/internal/store"
)

type pendingOp struct {
	op     store.MessageOp
	author string
	added  time.Time
}

// pendingOps holds edits and deletes that arrived before their target.
type pendingOps struct {
	ttl      time.Duration
	byTarget map[string][]pendingOp
	count    int
}

func newPendingOps(ttl time.Duration) *pendingOps {
	return &pendingOps{ttl: ttl, byTarget: make(map[string][]pendingOp)}
}

func (p *pendingOps) add(op store.MessageOp, author string, now time.Time) {
	p.byTarget[op.TargetID] = append(p.byTarget[op.TargetID], pendingOp{op: op, author: author, added: now})
	p.count++
}

// take removes and returns every op waiting on target, oldest first.
func (p *pendingOps) take(target string) []pendingOp {
	waiting := p.byTarget[target]
	if len(waiting) == 0 {
		return nil
	}
	delete(p.byTarget, target)
	p.count -= len(waiting)
	return waiting
}

func (p *pendingOps) expire(now time.Time) int {
	dropped := 0
	for target, waiting := range p.byTarget {
		kept := waiting[:0]
		for _, w := range waiting {
			if now.Sub(w.added) < p.ttl {
				kept = append(kept, w)
			}
		}
		dropped += len(waiting) - len(kept)
		if len(kept) == 0 {
			delete(p.byTarget, target)
		} else {
			p.byTarget[target] = kept
		}
	}
	p.count -= dropped
	return dropped
}

func (p *pendingOps) len() int { return p.count }
