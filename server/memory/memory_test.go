package memory

import (
	"bytes"
	"testing"
)

func Test_mbuf_slicing_shares_storage(t *testing.T) {
	buf := NewBlock(16)
	copy(buf.Bytes(), "hello world 1234")

	sub := buf.Slice(6, 5)
	if !bytes.Equal(sub.Bytes(), []byte("world")) {
		t.Errorf("expected sub-slice 'world', got %q", sub.Bytes())
	}

	// parent release must not kill the storage while the sub lives
	buf.Release()
	if !bytes.Equal(sub.Bytes(), []byte("world")) {
		t.Errorf("sub-slice corrupted after parent release: %q", sub.Bytes())
	}
	sub.Release()
}

func Test_mbuf_empty_sentinel(t *testing.T) {
	e := Empty()
	if e.Len() != 0 {
		t.Errorf("empty sentinel has length %d", e.Len())
	}
	e.Release() // must be a no-op
}

func Test_mbuf_wrap_no_copy(t *testing.T) {
	raw := []byte("abcdef")
	m := Wrap(raw)
	raw[0] = 'X'
	if m.Bytes()[0] != 'X' {
		t.Error("wrap copied the region")
	}
	m.Release()
}

func Test_pool_alloc_and_reuse(t *testing.T) {
	p := NewPool(0)

	a := p.Alloc(10)
	if len(a) != 10 {
		t.Fatalf("expected len 10, got %d", len(a))
	}
	for _, b := range a {
		if b != 0 {
			t.Fatal("allocation not zeroed")
		}
	}
	copy(a, "aaaaaaaaaa")

	b := p.Alloc(10)
	copy(b, "bbbbbbbbbb")
	if !bytes.Equal(a, []byte("aaaaaaaaaa")) {
		t.Error("second allocation overlapped the first")
	}

	// oversized allocations must still work
	big := p.Alloc(DefaultPoolSize * 2)
	if len(big) != DefaultPoolSize*2 {
		t.Errorf("oversized alloc has len %d", len(big))
	}

	p.Destroy()
	if p.cur != nil || p.spare != nil {
		t.Error("destroy left blocks behind")
	}
}

func Test_pool_copy_string(t *testing.T) {
	p := NewPool(0)
	defer p.Destroy()

	s := p.CopyString("content-type")
	if string(s) != "content-type" {
		t.Errorf("got %q", s)
	}
	b := p.Copy([]byte("value"))
	if string(b) != "value" {
		t.Errorf("got %q", b)
	}
}

func Test_pool_grows_past_block(t *testing.T) {
	p := NewPool(0)
	defer p.Destroy()

	total := 0
	for total < DefaultPoolSize*3 {
		chunk := p.Alloc(100)
		if len(chunk) != 100 {
			t.Fatal("alloc failed mid-growth")
		}
		total += 100
	}
}

type parserState struct {
	phase int
	line  []byte
}

func Test_slab_construct_destroy(t *testing.T) {
	var slab Slab[parserState]

	a := slab.Construct()
	a.phase = 7
	a.line = []byte("x")
	slab.Destroy(a)

	if slab.FreeCount() != 1 {
		t.Fatalf("expected 1 cached object, got %d", slab.FreeCount())
	}

	b := slab.Construct()
	if b != a {
		t.Error("expected the cached object back")
	}
	if b.phase != 0 || b.line != nil {
		t.Error("recycled object not zeroed")
	}
}

func BenchmarkPoolAlloc(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p := NewPool(0)
		for i := 0; i < 32; i++ {
			p.Alloc(48)
		}
		p.Destroy()
	}
}

func BenchmarkMbufSlice(b *testing.B) {
	buf := NewBlock(BlockSize)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s := buf.Slice(16, 128)
		s.Release()
	}
	buf.Release()
}
