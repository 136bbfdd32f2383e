package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding values the client can decode.
const (
	encodingGzip    = "gzip"
	encodingDeflate = "deflate"
	encodingZstd    = "zstd"
)

// normalizeEncoding lower-cases and trims a Content-Encoding value.
// Stacked encodings ("gzip, br") are reported as unsupported.
func normalizeEncoding(encoding string) (string, bool) {
	encoding = strings.TrimSpace(strings.ToLower(encoding))
	if strings.Contains(encoding, ",") {
		return encoding, false
	}
	switch encoding {
	case "", "identity":
		return "", true
	case encodingGzip, "x-gzip":
		return encodingGzip, true
	case encodingDeflate:
		return encodingDeflate, true
	case encodingZstd:
		return encodingZstd, true
	default:
		return encoding, false
	}
}

// decodedBody wraps a decoder so Close releases both the decoder and the
// underlying network body.
type decodedBody struct {
	io.Reader
	closers []func() error
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody returns a reader yielding the identity-encoded body. When the
// encoding is not supported, body is returned untouched and ok is false.
// The decoders read incrementally, so streamed bodies stay streamed.
func decodeBody(body io.ReadCloser, contentEncoding string) (rc io.ReadCloser, ok bool, err error) {
	encoding, supported := normalizeEncoding(contentEncoding)
	if !supported {
		return body, false, nil
	}

	switch encoding {
	case encodingGzip:
		gr, err := gzip.NewReader(body)
		if errors.Is(err, io.EOF) {
			return &decodedBody{Reader: http.NoBody, closers: []func() error{body.Close}}, true, nil
		}
		if err != nil {
			return nil, true, fmt.Errorf("open gzip body: %w", err)
		}
		return &decodedBody{Reader: gr, closers: []func() error{gr.Close, body.Close}}, true, nil

	case encodingDeflate:
		// "deflate" is zlib-wrapped per RFC 9110, but raw DEFLATE is common
		// enough that the two are told apart by the zlib header.
		br := bufio.NewReader(body)
		if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr) {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, true, fmt.Errorf("open zlib body: %w", err)
			}
			return &decodedBody{Reader: zr, closers: []func() error{zr.Close, body.Close}}, true, nil
		}
		fr := flate.NewReader(br)
		return &decodedBody{Reader: fr, closers: []func() error{fr.Close, body.Close}}, true, nil

	case encodingZstd:
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, true, fmt.Errorf("open zstd body: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []func() error{
			func() error { zr.Close(); return nil },
			body.Close,
		}}, true, nil

	default:
		return body, true, nil
	}
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
