package protocol

import (
	"bytes"
	"testing"

	"github.com/kfcemployee/httpcore/server/engine"
	"github.com/kfcemployee/httpcore/server/memory"
)

type chunkSink struct {
	out     bytes.Buffer
	ended   bool
	errcode int
}

func newChunkedFixture(t *testing.T) (ChunkedBodyParser, *chunkSink) {
	t.Helper()
	sink := &chunkSink{}
	ch := &engine.FileBufferedChannel{}
	ch.Init(&engine.Context{SpillDir: t.TempDir(), MemoryLimit: engine.DefaultMemoryLimit})
	ch.Channel.DataCallback = func(buf memory.Mbuf, errcode int) engine.Result {
		if errcode != 0 {
			sink.errcode = errcode
			return engine.Result{}
		}
		if buf.Len() == 0 {
			sink.ended = true
			return engine.Result{}
		}
		sink.out.Write(buf.Bytes())
		return engine.Result{Consumed: buf.Len()}
	}

	info := &RequestInfo{}
	info.Reset()
	p := ChunkedBodyParser{State: &ChunkedParserState{}, Req: info, Output: ch}
	p.Initialize()
	return p, sink
}

func feedChunked(p ChunkedBodyParser, raw string, step int) engine.Result {
	data := []byte(raw)
	var last engine.Result
	for len(data) > 0 {
		n := step
		if n <= 0 || n > len(data) {
			n = len(data)
		}
		buf := memory.NewBlock(n)
		copy(buf.Bytes(), data[:n])
		last = p.Feed(buf)
		buf.Release()
		if last.End {
			break
		}
		data = data[last.Consumed:]
		if last.Consumed == 0 {
			break
		}
	}
	return last
}

func Test_chunked_all_cases(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantBody string
		wantDone bool
		wantErr  int
	}{
		{
			name:     "two chunks",
			raw:      "3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n",
			wantBody: "abcde",
			wantDone: true,
		},
		{
			name:     "empty message",
			raw:      "0\r\n\r\n",
			wantBody: "",
			wantDone: true,
		},
		{
			name:     "hex sizes and extension",
			raw:      "A;name=val\r\n0123456789\r\n0\r\n\r\n",
			wantBody: "0123456789",
			wantDone: true,
		},
		{
			name:    "junk chunk size",
			raw:     "zz\r\nabc\r\n",
			wantErr: engine.ProtocolError,
		},
		{
			name:    "missing crlf after data",
			raw:     "3\r\nabcX\r\n0\r\n\r\n",
			wantErr: engine.ProtocolError,
		},
	}

	for _, tt := range tests {
		for _, step := range []int{0, 1} {
			t.Run(tt.name, func(t *testing.T) {
				p, sink := newChunkedFixture(t)
				feedChunked(p, tt.raw, step)

				if tt.wantErr != 0 {
					if sink.errcode != tt.wantErr {
						t.Fatalf("step %d: errcode %d, want %d", step, sink.errcode, tt.wantErr)
					}
					return
				}
				if sink.out.String() != tt.wantBody {
					t.Errorf("step %d: body %q, want %q", step, sink.out.String(), tt.wantBody)
				}
				if p.Done() != tt.wantDone || p.Req.EndChunkReached != tt.wantDone {
					t.Errorf("step %d: done=%v endChunkReached=%v", step, p.Done(), p.Req.EndChunkReached)
				}
				if tt.wantDone && !sink.ended {
					t.Error("EOF not fed into the body channel")
				}
			})
		}
	}
}

func Test_chunked_leaves_pipelined_bytes(t *testing.T) {
	p, sink := newChunkedFixture(t)

	raw := "2\r\nhi\r\n0\r\n\r\nGET /next"
	buf := memory.NewBlock(len(raw))
	copy(buf.Bytes(), raw)
	r := p.Feed(buf)
	buf.Release()

	if sink.out.String() != "hi" {
		t.Errorf("body %q", sink.out.String())
	}
	if rest := raw[r.Consumed:]; rest != "GET /next" {
		t.Errorf("parser consumed into the next request; leftover %q", rest)
	}
}

func Test_chunked_unexpected_eof(t *testing.T) {
	p, sink := newChunkedFixture(t)

	feedChunked(p, "5\r\nab", 0)
	p.FeedUnexpectedEof()

	if sink.out.String() != "ab" {
		t.Errorf("partial data lost: %q", sink.out.String())
	}
	if sink.errcode != engine.UnexpectedEof {
		t.Errorf("errcode %d", sink.errcode)
	}

	// idempotent after the error
	p.FeedUnexpectedEof()
	if sink.errcode != engine.UnexpectedEof {
		t.Error("second EOF changed the error")
	}
}

func Test_chunked_eof_after_done_is_ignored(t *testing.T) {
	p, sink := newChunkedFixture(t)

	feedChunked(p, "2\r\nok\r\n0\r\n\r\n", 0)
	p.FeedUnexpectedEof()

	if sink.errcode != 0 {
		t.Errorf("EOF after a complete message produced errcode %d", sink.errcode)
	}
	if !sink.ended {
		t.Error("clean EOF lost")
	}
}
