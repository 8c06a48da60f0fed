package engine

import (
	"bytes"
	"testing"

	"github.com/kfcemployee/httpcore/server/memory"
)

func testContext(t *testing.T, limit int) *Context {
	t.Helper()
	return &Context{SpillDir: t.TempDir(), MemoryLimit: limit}
}

func feedString(ch interface{ Feed(memory.Mbuf) }, s string) {
	buf := memory.NewBlock(len(s))
	copy(buf.Bytes(), s)
	ch.Feed(buf)
}

func Test_channel_delivers_in_feed_order(t *testing.T) {
	var ch Channel
	ch.Init(testContext(t, DefaultMemoryLimit))

	var got bytes.Buffer
	ended := false
	ch.DataCallback = func(buf memory.Mbuf, errcode int) Result {
		if buf.Len() == 0 && errcode == 0 {
			ended = true
			return Result{}
		}
		got.Write(buf.Bytes())
		return Result{Consumed: buf.Len()}
	}

	feedString(&ch, "hello ")
	feedString(&ch, "world")
	ch.Feed(memory.Empty())

	if got.String() != "hello world" {
		t.Errorf("got %q", got.String())
	}
	if !ended || !ch.EndAcked() {
		t.Error("EOF not delivered and acked")
	}
}

func Test_channel_partial_consumption_redelivers(t *testing.T) {
	var ch Channel
	ch.Init(testContext(t, DefaultMemoryLimit))

	var calls []string
	ch.DataCallback = func(buf memory.Mbuf, errcode int) Result {
		if buf.Len() == 0 {
			return Result{}
		}
		calls = append(calls, string(buf.Bytes()))
		// consume one byte at a time
		return Result{Consumed: 1}
	}

	feedString(&ch, "abc")
	want := []string{"abc", "bc", "c"}
	if len(calls) != len(want) {
		t.Fatalf("expected %d deliveries, got %d: %v", len(want), len(calls), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("delivery %d: expected %q, got %q", i, want[i], calls[i])
		}
	}
}

func Test_channel_zero_progress_stalls_until_start(t *testing.T) {
	var ch Channel
	ch.Init(testContext(t, DefaultMemoryLimit))

	accept := false
	var got bytes.Buffer
	ch.DataCallback = func(buf memory.Mbuf, errcode int) Result {
		if buf.Len() == 0 {
			return Result{}
		}
		if !accept {
			return Result{}
		}
		got.Write(buf.Bytes())
		return Result{Consumed: buf.Len()}
	}

	feedString(&ch, "later")
	if got.Len() != 0 {
		t.Fatal("data delivered while consumer refused it")
	}

	accept = true
	ch.Stop()
	ch.Start()
	if got.String() != "later" {
		t.Errorf("got %q after restart", got.String())
	}
}

func Test_channel_consumed_later(t *testing.T) {
	var ch Channel
	ch.Init(testContext(t, DefaultMemoryLimit))

	var pending []byte
	ch.DataCallback = func(buf memory.Mbuf, errcode int) Result {
		if buf.Len() == 0 {
			return Result{}
		}
		pending = append(pending[:0], buf.Bytes()...)
		return Result{Consumed: ConsumedLater}
	}

	feedString(&ch, "abcd")
	if string(pending) != "abcd" {
		t.Fatalf("got %q", pending)
	}
	if string(ch.PeekBytes()) != "abcd" {
		t.Fatalf("peek sees %q", ch.PeekBytes())
	}

	ch.Consumed(2, false)
	// remaining two bytes redelivered
	if string(pending) != "cd" {
		t.Errorf("expected redelivery of %q, got %q", "cd", pending)
	}
	ch.Consumed(2, false)
	if ch.PeekBytes() != nil {
		t.Error("queue should be drained")
	}
}

func Test_channel_threshold_and_buffers_flushed(t *testing.T) {
	var ch Channel
	ch.Init(testContext(t, 8))

	deliver := false
	flushed := 0
	ch.DataCallback = func(buf memory.Mbuf, errcode int) Result {
		if !deliver {
			return Result{}
		}
		return Result{Consumed: buf.Len()}
	}
	ch.BuffersFlushedCallback = func(*Channel) { flushed++ }

	feedString(&ch, "0123456789")
	if !ch.PassedThreshold() {
		t.Fatal("10 > 8 bytes buffered, threshold not passed")
	}

	deliver = true
	ch.Stop()
	ch.Start()
	if ch.PassedThreshold() {
		t.Error("still past threshold after drain")
	}
	if flushed != 1 {
		t.Errorf("expected one buffers-flushed callback, got %d", flushed)
	}
}

func Test_channel_feed_error_delivered_after_data(t *testing.T) {
	var ch Channel
	ch.Init(testContext(t, DefaultMemoryLimit))

	var got bytes.Buffer
	gotErr := 0
	ch.DataCallback = func(buf memory.Mbuf, errcode int) Result {
		if errcode != 0 {
			gotErr = errcode
			return Result{}
		}
		got.Write(buf.Bytes())
		return Result{Consumed: buf.Len()}
	}

	feedString(&ch, "tail")
	ch.FeedError(UnexpectedEof)

	if got.String() != "tail" {
		t.Errorf("data lost before error: %q", got.String())
	}
	if gotErr != UnexpectedEof {
		t.Errorf("expected UnexpectedEof, got %d", gotErr)
	}
}

func Test_file_buffered_channel_spills_and_drains_fifo(t *testing.T) {
	var ch FileBufferedChannel
	ch.Init(testContext(t, 8))

	deliver := false
	var got bytes.Buffer
	ended := false
	ch.Channel.DataCallback = func(buf memory.Mbuf, errcode int) Result {
		if !deliver {
			return Result{}
		}
		if buf.Len() == 0 {
			ended = true
			return Result{}
		}
		got.Write(buf.Bytes())
		return Result{Consumed: buf.Len()}
	}

	// first feed stays in memory (stalled consumer), rest spill to disk
	feedString(&ch, "aaaa")
	feedString(&ch, "bbbbbbbb")
	feedString(&ch, "cccc")
	if ch.spillUnread == 0 {
		t.Fatal("expected bytes spilled to disk")
	}
	ch.Feed(memory.Empty())

	deliver = true
	ch.Stop()
	ch.Start()

	if got.String() != "aaaabbbbbbbbcccc" {
		t.Errorf("drain out of order: %q", got.String())
	}
	if !ended || !ch.EndAcked() {
		t.Error("EOF lost behind the spill")
	}
	if ch.spill != nil {
		t.Error("spill file not closed after drain")
	}
}

func Test_file_buffered_channel_large_stream(t *testing.T) {
	var ch FileBufferedChannel
	ch.Init(testContext(t, 1024))

	chunk := bytes.Repeat([]byte("x"), 700)
	total := 0
	ch.Channel.DataCallback = func(buf memory.Mbuf, errcode int) Result {
		total += buf.Len()
		return Result{Consumed: buf.Len()}
	}

	// consumer keeps up, so nothing should spill
	for i := 0; i < 50; i++ {
		buf := memory.NewBlock(len(chunk))
		copy(buf.Bytes(), chunk)
		ch.Feed(buf)
	}
	if total != 50*700 {
		t.Errorf("expected %d bytes, got %d", 50*700, total)
	}
	if ch.spillWrite != 0 {
		t.Error("spilled despite a keeping-up consumer")
	}
}

func BenchmarkChannelFeed(b *testing.B) {
	var ch Channel
	ch.Init(&Context{MemoryLimit: DefaultMemoryLimit})
	ch.DataCallback = func(buf memory.Mbuf, errcode int) Result {
		return Result{Consumed: buf.Len()}
	}
	payload := memory.Wrap(bytes.Repeat([]byte("y"), 512))

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ch.Feed(payload.Slice(0, payload.Len()))
	}
}
