package chunk

import "sync/atomic"

// patternLimit bounds the saturating counter in WriterPattern.
const patternLimit = 5

// WriterPattern estimates whether a FileWriter is seeing sequential or
// random writes, by nudging a saturating signed counter toward +limit on
// writes that continue the previous stop offset and toward -limit
// otherwise. A non-negative counter reads as sequential.
type WriterPattern struct {
	counter     atomic.Int64
	stopOffset  atomic.Uint64
}

// MonitorWriteAt updates the counter given a new write's starting offset
// and length, and records the new stop offset for the next call.
func (p *WriterPattern) MonitorWriteAt(offset uint64, length int) {
	if offset == p.stopOffset.Load() {
		p.bump(1)
	} else {
		p.bump(-1)
	}
	p.stopOffset.Store(offset + uint64(length))
}

func (p *WriterPattern) bump(delta int64) {
	for {
		cur := p.counter.Load()
		next := cur + delta
		if next > patternLimit {
			next = patternLimit
		}
		if next < -patternLimit {
			next = -patternLimit
		}
		if p.counter.CompareAndSwap(cur, next) {
			return
		}
	}
}

// IsSeq reports whether the access pattern currently looks sequential.
func (p *WriterPattern) IsSeq() bool {
	return p.counter.Load() >= 0
}

// Counter exposes the raw saturating counter value, for metrics and tests.
func (p *WriterPattern) Counter() int64 {
	return p.counter.Load()
}
