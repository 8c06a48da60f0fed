package protocol

// ErrorKind classifies why a request head failed to parse. every kind
// except ErrVersionNotSupported is answered as a 400.
type ErrorKind uint8

const (
	ErrNone ErrorKind = iota
	ErrBadStartLine
	ErrMethodNotRecognized
	ErrBadHeader
	ErrBadContentLength
	ErrHeadersTooLarge
	ErrInconsistentFraming
	ErrVersionNotSupported
)

var errorDescs = [...]string{
	ErrNone:                "",
	ErrBadStartLine:        "Bad request (malformed start line)",
	ErrMethodNotRecognized: "Bad request (unrecognized method)",
	ErrBadHeader:           "Bad request (malformed header)",
	ErrBadContentLength:    "Bad request (invalid Content-Length)",
	ErrHeadersTooLarge:     "Bad request (headers too large)",
	ErrInconsistentFraming: "Bad request (inconsistent body framing)",
	ErrVersionNotSupported: "HTTP version not supported",
}

func (k ErrorKind) Desc() string {
	if int(k) < len(errorDescs) {
		return errorDescs[k]
	}
	return "Bad request"
}
