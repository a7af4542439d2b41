package httpd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

type Request struct {
	Method     string
	Target     string
	Path       string
	Query      url.Values
	Proto      string
	Header     http.Header
	Body       []byte
	RemoteAddr string

	// Ranges holds the parsed Range header, nil when absent. RangeErr is set when the
	// header was present but could not be parsed.
	Ranges   []RangeSpec
	RangeErr error

	// Params holds trailing path segments a resource consumed during routing.
	Params []string
}

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// protocolError is a transport-level failure answered with a plain status.
type protocolError struct {
	status int
	msg    string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("%d %s", e.status, e.msg)
}

func badRequest(format string, args ...any) error {
	return &protocolError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func parseRequestLine(line string) (method, target, proto string, err error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", badRequest("malformed request line")
	}
	method, target, proto = parts[0], parts[1], parts[2]
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return "", "", "", badRequest("malformed HTTP version")
	}
	if major != 1 || minor > 1 {
		return "", "", "", &protocolError{status: http.StatusHTTPVersionNotSupported, msg: "HTTP version not supported: " + proto}
	}
	if !knownMethods[method] {
		return "", "", "", &protocolError{status: http.StatusMethodNotAllowed, msg: "unknown method " + method}
	}
	return method, target, proto, nil
}

func readRequestLine(br *bufio.Reader) (string, error) {
	tp := textproto.NewReader(br)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return "", err
		}
		// RFC 7230 3.5: ignore at least one empty line before the request-line.
		if line != "" {
			return line, nil
		}
	}
}

// readHeaders reads the header block up to the blank line, refusing blocks larger
// than limit bytes before parsing them.
func readHeaders(br *bufio.Reader, limit int) (http.Header, error) {
	var block bytes.Buffer
	lineStart := true
	for {
		chunk, err := br.ReadSlice('\n')
		if block.Len()+len(chunk) > limit {
			return nil, &protocolError{status: http.StatusRequestHeaderFieldsTooLarge, msg: "request header fields too large"}
		}
		block.Write(chunk)
		if errors.Is(err, bufio.ErrBufferFull) {
			lineStart = false
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && block.Len() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if lineStart && (string(chunk) == "\r\n" || string(chunk) == "\n") {
			break
		}
		lineStart = true
	}
	mh, err := textproto.NewReader(bufio.NewReader(&block)).ReadMIMEHeader()
	if err != nil {
		return nil, badRequest("malformed headers")
	}
	return http.Header(mh), nil
}

func newRequest(method, target, proto string, header http.Header) (*Request, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, badRequest("malformed request target")
	}
	req := &Request{
		Method: method,
		Target: target,
		Path:   u.Path,
		Query:  u.Query(),
		Proto:  proto,
		Header: header,
	}
	if req.Path == "" {
		req.Path = "/"
	}
	if raw := header.Get("Range"); raw != "" {
		req.Ranges, req.RangeErr = ParseRangeHeader(raw)
	}
	return req, nil
}

// bodyFraming reports how many bytes follow the headers: -1 for chunked bodies.
func bodyFraming(header http.Header) (int64, error) {
	if te := header.Get("Transfer-Encoding"); te != "" {
		if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			return 0, &protocolError{status: http.StatusNotImplemented, msg: "unsupported transfer encoding"}
		}
		return -1, nil
	}
	cl := header.Get("Content-Length")
	if cl == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n < 0 {
		return 0, badRequest("malformed Content-Length")
	}
	return n, nil
}

func readBody(br *bufio.Reader, length, limit int64) ([]byte, error) {
	tooLarge := &protocolError{status: http.StatusRequestEntityTooLarge, msg: "request body too large"}
	if length > limit {
		return nil, tooLarge
	}
	if length >= 0 {
		body := make([]byte, length)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, badRequest("truncated body")
		}
		return body, nil
	}
	body, err := io.ReadAll(io.LimitReader(httputil.NewChunkedReader(br), limit+1))
	if err != nil {
		return nil, badRequest("malformed chunked body")
	}
	if int64(len(body)) > limit {
		return nil, tooLarge
	}
	// Trailer section, terminated by an empty line.
	if _, err := textproto.NewReader(br).ReadMIMEHeader(); err != nil {
		return nil, badRequest("malformed chunked trailer")
	}
	return body, nil
}
