package service

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"gemini-interceptor/internal/header"
)

const chunkSize = 8 << 10

// writeHead copies the filtered upstream headers to w and writes the status.
// Names go in without canonicalization. When the body is still encoded,
// Content-Encoding is put back so the caller can decode it.
func writeHead(w http.ResponseWriter, status int, upstream http.Header, contentEncoding string) {
	dst := w.Header()
	for _, f := range header.StripFraming(header.FromHTTP(upstream)).Fields() {
		dst[f.Name] = append(dst[f.Name], f.Value)
	}
	if contentEncoding != "" {
		dst["Content-Encoding"] = []string{contentEncoding}
	}
	w.WriteHeader(status)
}

// flushWriter flushes the underlying writer after every successful write.
type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newFlushWriter(w io.Writer) *flushWriter {
	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		f.flush()
	}
	return n, err
}

func (f *flushWriter) flush() {
	if f.flusher != nil {
		f.flusher.Flush()
	}
}

type relayStats struct {
	chunks int
	bytes  int64
}

// fanOut reads src once and hands each chunk to acc, then to forward. It
// returns at EOF, on a read error, or when forward fails. acc always holds
// every byte read from src, including the chunk forward rejected.
func fanOut(src io.Reader, acc, forward io.Writer) (relayStats, error) {
	var stats relayStats
	buf := make([]byte, chunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			stats.chunks++
			stats.bytes += int64(n)
			if _, err := acc.Write(chunk); err != nil {
				return stats, fmt.Errorf("accumulate chunk: %w", err)
			}
			if _, err := forward.Write(chunk); err != nil {
				return stats, fmt.Errorf("write to client: %w", err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return stats, nil
		}
		if rerr != nil {
			return stats, fmt.Errorf("read upstream: %w", rerr)
		}
	}
}
