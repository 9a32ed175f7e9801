package proxy

import (
	"net/http"
)

// streamWriter forwards upstream bytes to the client, flushing after
// every write so SSE frames leave immediately, and tees the bytes into
// the usage extractor.
type streamWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	extractor *UsageExtractor
	written   int64
}

func newStreamWriter(w http.ResponseWriter, extractor *UsageExtractor) *streamWriter {
	flusher, _ := w.(http.Flusher)
	return &streamWriter{w: w, flusher: flusher, extractor: extractor}
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if s.extractor != nil {
		s.extractor.Feed(p)
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return n, err
}

// Written reports how many bytes reached the client, used to decide
// whether an error can still be rendered as JSON.
func (s *streamWriter) Written() int64 { return s.written }
