package httpd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"wireagent-go/internal/byterange"
)

type Response struct {
	Status int
	Header http.Header
	Body   Source
}

type Handler interface {
	ServeResource(ctx context.Context, req *Request) *Response
}

type HandlerFunc func(ctx context.Context, req *Request) *Response

func (f HandlerFunc) ServeResource(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

func NewResponse(status int, contentType string, body []byte) *Response {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &Response{Status: status, Header: h, Body: NewDataSource(body)}
}

// Text is used for transport and routing errors, which carry a short plain body.
func Text(status int, msg string) *Response {
	return NewResponse(status, "text/plain; charset=utf-8", []byte(msg+"\n"))
}

func JSON(status int, body []byte) *Response {
	return NewResponse(status, "application/json; charset=utf-8", body)
}

func NotFound() *Response {
	return Text(http.StatusNotFound, "not found")
}

func Redirect(location string) *Response {
	resp := Text(http.StatusMovedPermanently, "moved to "+location)
	resp.Header.Set("Location", location)
	return resp
}

func MethodNotAllowed(allowed []string) *Response {
	resp := Text(http.StatusMethodNotAllowed, "method not allowed")
	for _, m := range allowed {
		resp.Header.Add("Allow", m)
	}
	return resp
}

func File(path, contentType string) (*Response, error) {
	src, err := NewFileSource(path)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	return &Response{Status: http.StatusOK, Header: h, Body: src}, nil
}

type part struct {
	header string
	rng    byterange.Range
}

// writeResponse serializes resp, answering Range requests with 206 or 416. The body
// source is opened for the duration of the write only.
func writeResponse(w *bufio.Writer, req *Request, resp *Response, keepAlive bool) (int, error) {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	h := resp.Header
	status := resp.Status
	var body Source = resp.Body
	var length uint64
	if body != nil {
		length = body.Length()
	}

	var parts []part
	var trailer string
	if req != nil && req.Method == http.MethodGet && status == http.StatusOK && body != nil && (req.Ranges != nil || req.RangeErr != nil) {
		ranges, err := ResolveRanges(req.Ranges, length)
		if req.RangeErr != nil {
			err = req.RangeErr
		}
		switch {
		case err != nil:
			status = http.StatusRequestedRangeNotSatisfiable
			h = http.Header{}
			h.Set("Content-Range", "bytes */"+strconv.FormatUint(length, 10))
			h.Set("Content-Type", "text/plain; charset=utf-8")
			body = NewDataSource([]byte(err.Error() + "\n"))
			length = body.Length()
		case len(ranges) == 1:
			status = http.StatusPartialContent
			h.Set("Content-Range", contentRange(ranges[0], length))
			parts = []part{{rng: ranges[0]}}
			length = ranges[0].Length
		default:
			status = http.StatusPartialContent
			boundary := ulid.Make().String()
			contentType := h.Get("Content-Type")
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			total := length
			length = 0
			for i, r := range ranges {
				ph := fmt.Sprintf("--%s\r\nContent-Type: %s\r\nContent-Range: %s\r\n\r\n", boundary, contentType, contentRange(r, total))
				if i > 0 {
					ph = "\r\n" + ph
				}
				parts = append(parts, part{header: ph, rng: r})
				length += uint64(len(ph)) + r.Length
			}
			trailer = "\r\n--" + boundary + "--\r\n"
			length += uint64(len(trailer))
			h.Set("Content-Type", "multipart/byteranges; boundary="+boundary)
		}
	} else if body != nil && status == http.StatusOK {
		h.Set("Accept-Ranges", "bytes")
	}

	h.Set("Content-Length", strconv.FormatUint(length, 10))
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if h.Get("Server") == "" {
		h.Set("Server", "wireagent")
	}
	if keepAlive {
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Connection", "close")
	}
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status)); err != nil {
		return status, err
	}
	if err := h.Write(w); err != nil {
		return status, err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return status, err
	}
	if body == nil || (req != nil && req.Method == http.MethodHead) {
		return status, w.Flush()
	}
	if err := writeBody(w, body, parts, trailer); err != nil {
		return status, err
	}
	return status, w.Flush()
}

func writeBody(w *bufio.Writer, body Source, parts []part, trailer string) error {
	rc, err := body.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if parts == nil {
		_, err := io.CopyN(w, rc, int64(body.Length()))
		return err
	}
	for _, p := range parts {
		if _, err := w.WriteString(p.header); err != nil {
			return err
		}
		if _, err := rc.Seek(int64(p.rng.Location), io.SeekStart); err != nil {
			return err
		}
		if _, err := io.CopyN(w, rc, int64(p.rng.Length)); err != nil {
			return err
		}
	}
	_, err = w.WriteString(trailer)
	return err
}
