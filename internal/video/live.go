package video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// LiveStream keeps the latest annotated frame and serves it as an MJPEG
// multipart stream. SetFrame never blocks on clients.
type LiveStream struct {
	mu       sync.RWMutex
	latest   image.Image
	seq      uint64
	encoded  []byte
	encSeq   uint64
	interval time.Duration
	quality  int
	clients  int
	logger   *log.Logger
}

// NewLiveStream creates a stream served at up to fps frames per second
func NewLiveStream(fps, quality int, logger *log.Logger) *LiveStream {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if fps <= 0 {
		fps = 15
	}
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return &LiveStream{
		interval: time.Second / time.Duration(fps),
		quality:  quality,
		logger:   logger,
	}
}

// SetFrame stores the newest frame
func (s *LiveStream) SetFrame(img image.Image) {
	if img == nil {
		return
	}
	s.mu.Lock()
	s.latest = img
	s.seq++
	s.mu.Unlock()
}

// Snapshot returns the newest frame as JPEG, or nil before the first frame
func (s *LiveStream) Snapshot() []byte {
	data, _ := s.current()
	return data
}

// Clients returns the number of connected viewers
func (s *LiveStream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients
}

// current encodes the latest frame once per sequence number
func (s *LiveStream) current() ([]byte, uint64) {
	s.mu.RLock()
	if s.latest == nil {
		s.mu.RUnlock()
		return nil, 0
	}
	if s.encSeq == s.seq {
		data, seq := s.encoded, s.encSeq
		s.mu.RUnlock()
		return data, seq
	}
	img, seq := s.latest, s.seq
	s.mu.RUnlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, 0
	}

	s.mu.Lock()
	if seq > s.encSeq {
		s.encoded, s.encSeq = buf.Bytes(), seq
	}
	s.mu.Unlock()
	return buf.Bytes(), seq
}

// ServeHTTP serves the MJPEG stream to a client
func (s *LiveStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
	}()

	s.logger.Printf("[LiveStream] Client connected from %s", r.RemoteAddr)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-r.Context().Done():
			s.logger.Printf("[LiveStream] Client disconnected from %s", r.RemoteAddr)
			return
		case <-ticker.C:
			frame, seq := s.current()
			if frame == nil || seq == last {
				continue
			}
			last = seq

			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			if _, err := w.Write(frame); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}
