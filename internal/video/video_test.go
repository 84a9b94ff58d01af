package video

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinai/internal/pipeline"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestExtractJPEGFrame(t *testing.T) {
	a := encode(t, solid(8, 8, color.RGBA{R: 255, A: 255}))
	b := encode(t, solid(8, 8, color.RGBA{B: 255, A: 255}))

	buffer := append([]byte{0x00, 0x01}, a...)
	buffer = append(buffer, b[:len(b)/2]...)

	frame := extractJPEGFrame(&buffer)
	require.NotNil(t, frame)
	assert.Equal(t, a, frame)

	assert.Nil(t, extractJPEGFrame(&buffer), "partial frame stays buffered")
	buffer = append(buffer, b[len(b)/2:]...)
	assert.Equal(t, b, extractJPEGFrame(&buffer))
	assert.Empty(t, buffer)
}

func writeMJPEG(t *testing.T, path string, n int) {
	t.Helper()
	w, err := MJPEGWriterFactory{Quality: 90}.Create(path, 15, 32, 24)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		shade := uint8(i * 10)
		require.NoError(t, w.WriteFrame(solid(32, 24, color.RGBA{R: shade, G: shade, B: shade, A: 255})))
	}
	require.NoError(t, w.Close())
}

func TestMJPEGRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mjpeg")
	writeMJPEG(t, path, 5)

	src, err := Open(context.Background(), path, SourceOptions{CameraID: "cam1"})
	require.NoError(t, err)
	defer src.Close()

	var seqs []uint64
	for {
		frame, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "cam1", frame.CameraID)
		assert.Equal(t, 32, frame.Width())
		assert.Equal(t, 24, frame.Height())
		seqs = append(seqs, frame.Seq)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3, 4, 5}, seqs); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestSampleKeyFrames(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		frames int
		n      int
		want   int
	}{
		{name: "more frames than samples", frames: 20, n: 8, want: 8},
		{name: "fewer frames than samples", frames: 3, n: 8, want: 3},
		{name: "exact", frames: 8, n: 8, want: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".mjpeg")
			writeMJPEG(t, path, tt.frames)

			frames, err := SampleKeyFrames(context.Background(), path, tt.n, 16, 9)
			require.NoError(t, err)
			assert.Len(t, frames, tt.want)
			for _, f := range frames {
				assert.Equal(t, image.Rect(0, 0, 16, 9), f.Bounds())
			}
		})
	}

	empty := filepath.Join(dir, "empty.mjpeg")
	writeMJPEG(t, empty, 0)
	frames, err := SampleKeyFrames(context.Background(), empty, 8, 16, 9)
	require.NoError(t, err)
	assert.Empty(t, frames)

	_, err = SampleKeyFrames(context.Background(), filepath.Join(dir, "missing.mjpeg"), 8, 16, 9)
	assert.Error(t, err)
}

func TestAnnotatorColoursByLevel(t *testing.T) {
	frame := &pipeline.FrameData{Image: solid(120, 120, color.RGBA{R: 40, G: 40, B: 40, A: 255})}
	dets := []pipeline.Detection{
		{TrackID: 1, BBox: pipeline.BBox{X1: 50, Y1: 50, X2: 100, Y2: 100}},
	}
	states := map[int]pipeline.ThreatSnapshot{1: {TrackID: 1, Level: pipeline.LevelConfirmed, Label: "🚨 PUNCHING (90%)"}}

	a := NewAnnotator()
	out := a.Annotate(frame, dets, states, true).(*image.RGBA)

	assert.Equal(t, pipeline.ColorConfirmed, out.RGBAAt(100, 75), "right edge of the box")
	assert.Equal(t, statusBusy, out.RGBAAt(30, 30))
	assert.Equal(t, color.RGBA{R: 40, G: 40, B: 40, A: 255}, frame.Image.(*image.RGBA).RGBAAt(30, 30), "source untouched")

	out = a.Annotate(frame, dets, nil, false).(*image.RGBA)
	assert.Equal(t, pipeline.ColorIdle, out.RGBAAt(100, 75), "unknown track drawn as idle")
	assert.Equal(t, statusFree, out.RGBAAt(30, 30))
}

func TestASCIIOnly(t *testing.T) {
	assert.Equal(t, "PUNCHING (90%)", asciiOnly("🚨 PUNCHING (90%)"))
}

func TestFFmpegInputArgs(t *testing.T) {
	tests := []struct {
		device string
		opts   SourceOptions
		want   []string
	}{
		{
			device: "rtsp://cam/stream",
			opts:   SourceOptions{FPS: 10},
			want:   []string{"-rtsp_transport", "tcp", "-i", "rtsp://cam/stream", "-f", "image2pipe", "-vcodec", "mjpeg", "-r", "10", "-q:v", "5", "-loglevel", "error", "-"},
		},
		{
			device: "/dev/video0",
			opts:   SourceOptions{FPS: 15, Width: 640, Height: 480},
			want:   []string{"-f", "v4l2", "-video_size", "640x480", "-framerate", "15", "-i", "/dev/video0", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-loglevel", "error", "-"},
		},
		{
			device: "clip.mp4",
			opts:   SourceOptions{Realtime: true},
			want:   []string{"-re", "-i", "clip.mp4", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-loglevel", "error", "-"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ffmpegInputArgs(tt.device, tt.opts)); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLiveStream(t *testing.T) {
	s := NewLiveStream(50, 80, nil)
	assert.Nil(t, s.Snapshot())

	s.SetFrame(solid(16, 16, color.RGBA{G: 255, A: 255}))
	snap := s.Snapshot()
	require.NotNil(t, snap)
	_, err := jpeg.Decode(bytes.NewReader(snap))
	require.NoError(t, err)

	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(resp.Body, buf, len("--frame\r\n"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "--frame\r\n"))
}
