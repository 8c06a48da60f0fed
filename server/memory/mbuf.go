// refcounted byte buffers shared between channels
// storage comes from bytebufferpool so drained buffers go back to the pool
package memory

import (
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// default block size for socket reads
const BlockSize = 1 << 14

// shared backing region; bb is nil when the region wraps external memory
type storage struct {
	refs atomic.Int32
	bb   *bytebufferpool.ByteBuffer
}

// Mbuf is a window (offset, len) into a refcounted backing region.
// copying the struct does NOT take a reference; use Ref for that.
type Mbuf struct {
	s *storage
	b []byte
}

// Wrap makes an mbuf over an external region without copying.
// the caller keeps the region alive; no pooled storage is attached.
func Wrap(b []byte) Mbuf {
	s := &storage{}
	s.refs.Store(1)
	return Mbuf{s: s, b: b}
}

// NewBlock takes a pooled region of n bytes. Release returns it to the pool.
func NewBlock(n int) Mbuf {
	bb := bytebufferpool.Get()
	if cap(bb.B) < n {
		bb.B = make([]byte, n)
	}
	s := &storage{bb: bb}
	s.refs.Store(1)
	return Mbuf{s: s, b: bb.B[:n]}
}

// Empty is the length-zero sentinel; feeding it into a channel signals EOF.
func Empty() Mbuf {
	return Mbuf{}
}

func (m Mbuf) Len() int {
	return len(m.b)
}

func (m Mbuf) Bytes() []byte {
	return m.b
}

// Slice makes a cheap sub-window sharing the backing refcount.
func (m Mbuf) Slice(off, n int) Mbuf {
	if m.s == nil {
		return Mbuf{b: m.b[off : off+n]}
	}
	m.s.refs.Add(1)
	return Mbuf{s: m.s, b: m.b[off : off+n]}
}

// Ref takes an extra reference for holding the buffer past the current callback.
func (m Mbuf) Ref() Mbuf {
	if m.s != nil {
		m.s.refs.Add(1)
	}
	return m
}

// Release drops one reference; the last drop returns pooled storage.
func (m Mbuf) Release() {
	if m.s == nil {
		return
	}
	if m.s.refs.Add(-1) == 0 && m.s.bb != nil {
		bb := m.s.bb
		m.s.bb = nil
		bb.Reset()
		bytebufferpool.Put(bb)
	}
}
