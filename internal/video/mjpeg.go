package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"
	"time"

	"sentinai/internal/pipeline"
)

// DefaultJPEGQuality is used for incident frames when no quality is configured
const DefaultJPEGQuality = 85

// jpegScanner splits a stream of concatenated JPEG images
type jpegScanner struct {
	r      io.Reader
	buffer []byte
	chunk  []byte
	eof    bool
}

func newJPEGScanner(r io.Reader) *jpegScanner {
	return &jpegScanner{
		r:      r,
		buffer: make([]byte, 0, 1024*1024),
		chunk:  make([]byte, 8192),
	}
}

// Next returns the next complete JPEG, or io.EOF once the stream is exhausted
func (s *jpegScanner) Next() ([]byte, error) {
	for {
		if frame := extractJPEGFrame(&s.buffer); frame != nil {
			return frame, nil
		}
		if s.eof {
			return nil, io.EOF
		}

		n, err := s.r.Read(s.chunk)
		s.buffer = append(s.buffer, s.chunk[:n]...)
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			s.eof = true
		}
	}
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := bytes.Index(*buffer, []byte{0xFF, 0xD8})
	if startIdx == -1 {
		return nil
	}

	// Find JPEG end marker (FFD9)
	rel := bytes.Index((*buffer)[startIdx+2:], []byte{0xFF, 0xD9})
	if rel == -1 {
		return nil
	}
	endIdx := startIdx + 2 + rel + 2

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// decodeFrame turns raw JPEG bytes into a pipeline frame
func decodeFrame(cameraID string, seq uint64, data []byte) (*pipeline.FrameData, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", seq, err)
	}
	return &pipeline.FrameData{
		CameraID:  cameraID,
		Data:      data,
		Image:     img,
		Seq:       seq,
		Timestamp: time.Now(),
	}, nil
}

// MJPEGSource reads frames from a file of concatenated JPEG images
type MJPEGSource struct {
	cameraID string
	file     *os.File
	scanner  *jpegScanner
	seq      uint64
	mu       sync.Mutex
}

// OpenMJPEG opens an MJPEG file as a frame source
func OpenMJPEG(path, cameraID string) (*MJPEGSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &MJPEGSource{
		cameraID: cameraID,
		file:     f,
		scanner:  newJPEGScanner(bufio.NewReader(f)),
	}, nil
}

// Next returns the next decodable frame. Corrupt frames are skipped.
func (s *MJPEGSource) Next(ctx context.Context) (*pipeline.FrameData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.scanner.Next()
		if err != nil {
			return nil, err
		}
		s.seq++
		frame, err := decodeFrame(s.cameraID, s.seq, data)
		if err != nil {
			continue
		}
		return frame, nil
	}
}

// Close releases the file
func (s *MJPEGSource) Close() error {
	return s.file.Close()
}

// MJPEGWriter appends JPEG-encoded frames to a file
type MJPEGWriter struct {
	file    *os.File
	w       *bufio.Writer
	quality int
	frames  int
}

// WriteFrame encodes and appends one frame
func (m *MJPEGWriter) WriteFrame(img image.Image) error {
	if err := jpeg.Encode(m.w, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	m.frames++
	return nil
}

// Close flushes buffered data and closes the file
func (m *MJPEGWriter) Close() error {
	if err := m.w.Flush(); err != nil {
		m.file.Close()
		return fmt.Errorf("failed to flush %s: %w", m.file.Name(), err)
	}
	return m.file.Close()
}

// MJPEGWriterFactory creates native MJPEG incident files
type MJPEGWriterFactory struct {
	Quality int
}

// Ext implements pipeline.WriterFactory
func (f MJPEGWriterFactory) Ext() string { return ".mjpeg" }

// Create implements pipeline.WriterFactory
func (f MJPEGWriterFactory) Create(path string, fps, width, height int) (pipeline.VideoWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	quality := f.Quality
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return &MJPEGWriter{file: file, w: bufio.NewWriterSize(file, 256*1024), quality: quality}, nil
}

var (
	_ pipeline.FrameSource   = (*MJPEGSource)(nil)
	_ pipeline.WriterFactory = MJPEGWriterFactory{}
)
