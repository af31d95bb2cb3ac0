// Package bufpool implements the shared byte-buffer pool packet payloads
// are rented from (§5 "Buffer pool discipline"). It follows the size-class
// free-list approach §9's design notes describe: a small set of power-of-two
// size classes, each backed by a sync.Pool, so a get/put cycle never
// allocates once the pool is warm.
package bufpool

import "sync"

// classSizes are the size classes, from a header-only frame up to 1 MiB.
// Larger requests (such as FETCH payloads above 1 MiB) are not pooled.
var classSizes = []int{64, 512, 4096, 65536, 1 << 20}

// Pool is a size-classed buffer pool. The zero value is ready to use.
type Pool struct {
	once  sync.Once
	pools []sync.Pool
}

func (p *Pool) init() {
	p.pools = make([]sync.Pool, len(classSizes))
	for i, sz := range classSizes {
		sz := sz
		p.pools[i].New = func() any {
			b := make([]byte, sz)
			return &b
		}
	}
}

// classFor returns the index of the smallest size class that holds n
// bytes, or -1 if n exceeds every class (callers allocate directly).
func classFor(n int) int {
	for i, sz := range classSizes {
		if n <= sz {
			return i
		}
	}
	return -1
}

// Get returns a buffer with length n, rented from the smallest size class
// that fits. The caller owns the buffer until it calls Put or embeds it in
// an outbound message whose ownership transfers to the transport
// collaborator.
func (p *Pool) Get(n int) []byte {
	p.once.Do(p.init)
	idx := classFor(n)
	if idx < 0 {
		return make([]byte, n)
	}
	ptr := p.pools[idx].Get().(*[]byte)
	buf := (*ptr)[:n]
	return buf
}

// Put releases buf back to the pool it was rented from. Buffers not
// obtained from Get (oversized allocations) are silently dropped instead
// of pooled.
func (p *Pool) Put(buf []byte) {
	p.once.Do(p.init)
	c := cap(buf)
	for i, sz := range classSizes {
		if sz == c {
			full := buf[:c]
			p.pools[i].Put(&full)
			return
		}
	}
}

// Default is the process-wide pool used where no component-specific pool
// is threaded through explicitly.
var Default Pool
