// incremental request-head parser. fed arbitrary byte windows; lines may
// split anywhere, including in the middle of a CRLF.
package protocol

import (
	"bytes"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/kfcemployee/httpcore/server/memory"
)

const (
	maxLineSize    = 8 << 10
	maxHeadersSize = 32 << 10
)

type parsePhase uint8

const (
	phaseStartLine parsePhase = iota
	phaseHeaderLine
	phaseDone
)

// HeaderParserState is the working state between Feed calls. constructed
// from a slab pool and destroyed once the head completes.
type HeaderParserState struct {
	phase parsePhase
	line  []byte // current line under accumulation, CR/LF stripped
	total int

	haveContentLength bool
	chunked           bool
	connClose         bool
	connKeepAlive     bool
	connUpgrade       bool
}

// HeaderParser is a cheap view tying state, destination and pool together
// for one Feed call.
type HeaderParser struct {
	State *HeaderParserState
	Req   *RequestInfo
	Pool  *memory.Pool
}

func (p HeaderParser) Initialize() {
	p.State.phase = phaseStartLine
}

// Feed consumes bytes until the head terminates or data runs out. returns
// the number of bytes consumed; bytes past the blank line are left for the
// body. the verdict lands in Req.Outcome.
func (p HeaderParser) Feed(data []byte) int {
	st := p.State
	consumed := 0
	for consumed < len(data) && st.phase != phaseDone && p.Req.Outcome != OutcomeError {
		rest := data[consumed:]
		lf := bytes.IndexByte(rest, '\n')
		if lf == -1 {
			st.line = append(st.line, rest...)
			consumed = len(data)
			p.checkSizes(len(rest))
			break
		}
		st.line = append(st.line, rest[:lf]...)
		consumed += lf + 1
		if !p.checkSizes(lf + 1) {
			break
		}
		line := st.line
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		p.processLine(line)
		st.line = st.line[:0]
	}
	if p.Req.Outcome == OutcomeError {
		return len(data)
	}
	return consumed
}

func (p HeaderParser) checkSizes(n int) bool {
	st := p.State
	st.total += n
	if len(st.line) > maxLineSize || st.total > maxHeadersSize {
		p.fail(ErrHeadersTooLarge)
		return false
	}
	return true
}

func (p HeaderParser) fail(kind ErrorKind) {
	p.Req.Outcome = OutcomeError
	p.Req.ParseError = kind
	p.State.phase = phaseDone
}

func (p HeaderParser) processLine(line []byte) {
	switch p.State.phase {
	case phaseStartLine:
		if len(line) == 0 {
			// tolerate blank lines before the request line
			return
		}
		p.processStartLine(line)
	case phaseHeaderLine:
		if len(line) == 0 {
			p.finalize()
			return
		}
		p.processHeaderLine(line)
	}
}

func (p HeaderParser) processStartLine(line []byte) {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		p.fail(ErrBadStartLine)
		return
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		p.fail(ErrBadStartLine)
		return
	}
	sp2 += sp1 + 1

	method := LookupMethod(line[:sp1])
	if method == MethodUnknown {
		p.fail(ErrMethodNotRecognized)
		return
	}
	target := line[sp1+1 : sp2]
	version := line[sp2+1:]
	if len(target) == 0 || bytes.IndexByte(target, ' ') != -1 {
		p.fail(ErrBadStartLine)
		return
	}

	major, minor, ok := parseVersion(version)
	if !ok {
		p.fail(ErrBadStartLine)
		return
	}
	if major != 1 || minor > 1 {
		p.fail(ErrVersionNotSupported)
		return
	}

	p.Req.Method = method
	p.Req.Path = p.Pool.Copy(target)
	p.Req.HTTPMajor = major
	p.Req.HTTPMinor = minor
	p.Req.WantKeepAlive = minor >= 1
	p.State.phase = phaseHeaderLine
}

func parseVersion(v []byte) (major, minor uint8, ok bool) {
	if len(v) != len("HTTP/1.1") || string(v[:5]) != "HTTP/" || v[6] != '.' {
		return 0, 0, false
	}
	mj, mn := v[5], v[7]
	if mj < '0' || mj > '9' || mn < '0' || mn > '9' {
		return 0, 0, false
	}
	return mj - '0', mn - '0', true
}

func (p HeaderParser) processHeaderLine(line []byte) {
	if line[0] == ' ' || line[0] == '\t' {
		// obsolete line folding is rejected outright
		p.fail(ErrBadHeader)
		return
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		p.fail(ErrBadHeader)
		return
	}
	key := line[:colon]
	val := trimOWS(line[colon+1:])
	if !httpguts.ValidHeaderFieldName(string(key)) || !httpguts.ValidHeaderFieldValue(string(val)) {
		p.fail(ErrBadHeader)
		return
	}

	st := p.State
	switch {
	case equalFold(key, "content-length"):
		if st.haveContentLength {
			p.fail(ErrInconsistentFraming)
			return
		}
		n, err := strconv.ParseUint(string(val), 10, 63)
		if err != nil {
			p.fail(ErrBadContentLength)
			return
		}
		st.haveContentLength = true
		p.Req.ContentLength = n
	case equalFold(key, "transfer-encoding"):
		if tokenListContains(val, "chunked") {
			st.chunked = true
		}
	case equalFold(key, "connection"):
		if tokenListContains(val, "close") {
			st.connClose = true
		}
		if tokenListContains(val, "keep-alive") {
			st.connKeepAlive = true
		}
		if tokenListContains(val, "upgrade") {
			st.connUpgrade = true
		}
	}

	p.Req.Headers.Insert(p.Pool, key, val)
}

func (p HeaderParser) finalize() {
	st := p.State
	st.phase = phaseDone

	if st.chunked && st.haveContentLength {
		p.fail(ErrInconsistentFraming)
		return
	}
	if p.Req.HTTPMinor >= 1 {
		p.Req.WantKeepAlive = !st.connClose
	} else {
		p.Req.WantKeepAlive = st.connKeepAlive && !st.connClose
	}

	switch {
	case st.connUpgrade || p.Req.Method == MethodConnect:
		p.Req.BodyType = BodyUpgrade
		p.Req.Outcome = OutcomeUpgraded
	case st.chunked:
		p.Req.BodyType = BodyChunked
		p.Req.Outcome = OutcomeChunkedBody
	case st.haveContentLength:
		p.Req.BodyType = BodyContentLength
		p.Req.Outcome = OutcomeBody
	default:
		p.Req.BodyType = BodyNone
		p.Req.Outcome = OutcomeComplete
	}
}

func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// tokenListContains reports whether the comma-separated list holds token,
// ascii case-insensitively.
func tokenListContains(list []byte, token string) bool {
	for len(list) > 0 {
		var part []byte
		if i := bytes.IndexByte(list, ','); i != -1 {
			part, list = list[:i], list[i+1:]
		} else {
			part, list = list, nil
		}
		if equalFold(trimOWS(part), token) {
			return true
		}
	}
	return false
}
