package comet

import (
	"io"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

const (
	responseHead = "HTTP/1.1 200 OK\r\nContent-Length: "
	responseTail = "\r\nConnection: close\r\n\r\n"
)

var responsePool bytebufferpool.Pool

// AppendResponse appends the complete HTTP response carrying payload.
func AppendResponse(dst []byte, payload []byte) []byte {
	dst = append(dst, responseHead...)
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, responseTail...)
	dst = append(dst, payload...)
	return dst
}

// WriteResponse writes the response for payload to w in a single Write.
func WriteResponse(w io.Writer, payload []byte) (int, error) {
	bb := responsePool.Get()
	defer responsePool.Put(bb)

	bb.B = AppendResponse(bb.B[:0], payload)
	return w.Write(bb.B)
}
