package procman

import (
	"github.com/danmuck/edgeproc/internal/logging"
)

// portPool hands out ports from [base, base+count) in order.
type portPool struct {
	base  int
	count int
	next  int
}

func newPortPool(base, count int) *portPool {
	if count < 0 {
		count = 0
	}
	return &portPool{base: base, count: count, next: base}
}

func (p *portPool) end() int { return p.base + p.count }

func (p *portPool) Remaining() int { return p.end() - p.next }

// Next returns the first port not yet handed out.
func (p *portPool) Next() int { return p.next }

func (p *portPool) Alloc() (int, error) {
	if p.next >= p.end() {
		return 0, ErrPoolExhausted
	}
	port := p.next
	p.next++
	return port, nil
}

// Consume marks n ports as used by an installer. Asking for more than
// remain is only a warning: the cursor clamps at the end of the pool and
// later Alloc calls fail.
func (p *portPool) Consume(owner string, n int) {
	if n <= 0 {
		return
	}
	if remaining := p.Remaining(); n > remaining {
		logging.Warnf("procman.ports over-allocation owner=%q requested=%d remaining=%d", owner, n, remaining)
		p.next = p.end()
		return
	}
	p.next += n
}
