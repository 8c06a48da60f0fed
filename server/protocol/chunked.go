// chunked transfer decoding. fed socket windows, emits body bytes into the
// request's body channel, and flags the terminating 0-size chunk.
package protocol

import (
	"github.com/kfcemployee/httpcore/server/engine"
	"github.com/kfcemployee/httpcore/server/memory"
)

// chunk sizes above this are treated as a framing error
const maxChunkSize = 1 << 60

type chunkPhase uint8

const (
	chunkSize chunkPhase = iota // hex digits, then optional ;extension
	chunkSizeLF
	chunkData
	chunkDataCR
	chunkDataLF
	chunkFinalCR // blank line after the 0-size chunk
	chunkFinalLF
	chunkDone
	chunkBroken
)

type ChunkedParserState struct {
	phase       chunkPhase
	remaining   uint64
	sawDigit    bool
	inExtension bool
}

// ChunkedBodyParser decodes into Output; a cheap view like HeaderParser.
type ChunkedBodyParser struct {
	State  *ChunkedParserState
	Req    *RequestInfo
	Output *engine.FileBufferedChannel
}

func (p ChunkedBodyParser) Initialize() {
	*p.State = ChunkedParserState{phase: chunkSize}
}

// Feed decodes one window. body bytes go to Output as sub-slices of buf;
// on the end chunk the EOF sentinel follows them. bytes past the message
// end are left unconsumed.
func (p ChunkedBodyParser) Feed(buf memory.Mbuf) engine.Result {
	st := p.State
	data := buf.Bytes()
	i := 0
	for i < len(data) {
		switch st.phase {
		case chunkSize:
			if !p.eatSizeByte(data[i]) {
				return p.broken()
			}
			i++
		case chunkSizeLF:
			if data[i] != '\n' {
				return p.broken()
			}
			i++
			if st.remaining > 0 {
				st.phase = chunkData
			} else {
				st.phase = chunkFinalCR
			}
		case chunkData:
			n := len(data) - i
			if uint64(n) > st.remaining {
				n = int(st.remaining)
			}
			p.Output.Feed(buf.Slice(i, n))
			st.remaining -= uint64(n)
			i += n
			if st.remaining == 0 {
				st.phase = chunkDataCR
			}
		case chunkDataCR:
			if data[i] != '\r' {
				return p.broken()
			}
			i++
			st.phase = chunkDataLF
		case chunkDataLF:
			if data[i] != '\n' {
				return p.broken()
			}
			i++
			st.phase = chunkSize
			st.sawDigit = false
			st.inExtension = false
		case chunkFinalCR:
			if data[i] != '\r' {
				return p.broken()
			}
			i++
			st.phase = chunkFinalLF
		case chunkFinalLF:
			if data[i] != '\n' {
				return p.broken()
			}
			i++
			st.phase = chunkDone
			p.Req.EndChunkReached = true
			p.Output.Feed(memory.Empty())
			return engine.Result{Consumed: i}
		case chunkDone:
			// message over; leave pipelined bytes alone
			return engine.Result{Consumed: i}
		case chunkBroken:
			return engine.Result{Consumed: i, End: true}
		}
	}
	return engine.Result{Consumed: i}
}

func (p ChunkedBodyParser) eatSizeByte(b byte) bool {
	st := p.State
	switch {
	case b == '\r':
		if !st.sawDigit {
			return false
		}
		st.phase = chunkSizeLF
		return true
	case st.inExtension:
		return true
	case b == ';':
		if !st.sawDigit {
			return false
		}
		st.inExtension = true
		return true
	default:
		var d uint64
		switch {
		case b >= '0' && b <= '9':
			d = uint64(b - '0')
		case b >= 'a' && b <= 'f':
			d = uint64(b-'a') + 10
		case b >= 'A' && b <= 'F':
			d = uint64(b-'A') + 10
		default:
			return false
		}
		st.remaining = st.remaining<<4 | d
		st.sawDigit = true
		return st.remaining < maxChunkSize
	}
}

func (p ChunkedBodyParser) broken() engine.Result {
	p.State.phase = chunkBroken
	p.Output.FeedError(engine.ProtocolError)
	return engine.Result{End: true}
}

// Done reports that the terminating chunk and its blank line were seen.
func (p ChunkedBodyParser) Done() bool {
	return p.State.phase == chunkDone
}

// FeedUnexpectedEof signals socket EOF mid-message.
func (p ChunkedBodyParser) FeedUnexpectedEof() {
	if p.State.phase != chunkDone && p.State.phase != chunkBroken {
		p.State.phase = chunkBroken
		p.Output.FeedError(engine.UnexpectedEof)
	}
}

// FeedErrorCode propagates a socket error into the body stream.
func (p ChunkedBodyParser) FeedErrorCode(errcode int) {
	if p.State.phase != chunkDone && p.State.phase != chunkBroken {
		p.State.phase = chunkBroken
		p.Output.FeedError(errcode)
	}
}
