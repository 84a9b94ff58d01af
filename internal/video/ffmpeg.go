package video

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"

	"sentinai/internal/pipeline"
)

// FFmpegBinary is the executable used for capture and encoding
var FFmpegBinary = "ffmpeg"

// SourceOptions configures an ffmpeg-backed frame source
type SourceOptions struct {
	CameraID string
	FPS      int         // output rate; 0 keeps the input rate
	Width    int         // v4l2 capture size
	Height   int         // v4l2 capture size
	Realtime bool        // read files at native speed (-re)
	Logger   *log.Logger // receives ffmpeg stderr; nil discards it
}

// FFmpegSource decodes any ffmpeg-readable input (file, RTSP, HTTP, V4L2)
// into JPEG frames over a pipe
type FFmpegSource struct {
	cameraID string
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	scanner  *jpegScanner
	seq      uint64
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// ffmpegInputArgs builds the ffmpeg argument list for a device or file
func ffmpegInputArgs(device string, opts SourceOptions) []string {
	var args []string
	rate := func() []string {
		if opts.FPS > 0 {
			return []string{"-r", fmt.Sprintf("%d", opts.FPS)}
		}
		return nil
	}

	switch {
	case strings.HasPrefix(device, "rtsp://"):
		args = []string{"-rtsp_transport", "tcp", "-i", device}
		args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg")
		args = append(args, rate()...)
	case strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://"):
		args = []string{"-i", device, "-f", "image2pipe", "-vcodec", "mjpeg"}
		args = append(args, rate()...)
	case strings.HasPrefix(device, "/dev/video"):
		// V4L2 device (USB camera)
		args = []string{"-f", "v4l2"}
		if opts.Width > 0 && opts.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height))
		}
		if opts.FPS > 0 {
			args = append(args, "-framerate", fmt.Sprintf("%d", opts.FPS))
		}
		args = append(args, "-i", device, "-f", "image2pipe", "-vcodec", "mjpeg")
	default:
		// Local video file
		if opts.Realtime {
			args = append(args, "-re")
		}
		args = append(args, "-i", device, "-f", "image2pipe", "-vcodec", "mjpeg")
		args = append(args, rate()...)
	}

	args = append(args, "-q:v", "5", "-loglevel", "error", "-")
	return args
}

// OpenFFmpeg starts an ffmpeg process reading device
func OpenFFmpeg(ctx context.Context, device string, opts SourceOptions) (*FFmpegSource, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, FFmpegBinary, ffmpegInputArgs(device, opts)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Printf("[FFmpeg] %s", scanner.Text())
		}
	}()

	return &FFmpegSource{
		cameraID: opts.CameraID,
		cmd:      cmd,
		stdout:   stdout,
		scanner:  newJPEGScanner(stdout),
		cancel:   cancel,
	}, nil
}

// Next returns the next frame or io.EOF when ffmpeg finishes
func (s *FFmpegSource) Next(ctx context.Context) (*pipeline.FrameData, error) {
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

// Close stops the ffmpeg process
func (s *FFmpegSource) Close() error {
	s.cancel()
	s.stdout.Close()
	// Killed by cancel; the exit status is not interesting
	_ = s.cmd.Wait()
	return nil
}

// FFmpegWriter pipes JPEG frames into an ffmpeg encoder
type FFmpegWriter struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	w       *bufio.Writer
	quality int
	path    string
}

// WriteFrame encodes one frame into the encoder pipe
func (f *FFmpegWriter) WriteFrame(img image.Image) error {
	if err := jpeg.Encode(f.w, img, &jpeg.Options{Quality: f.quality}); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return nil
}

// Close flushes the pipe and waits for ffmpeg to finalize the container
func (f *FFmpegWriter) Close() error {
	flushErr := f.w.Flush()
	f.stdin.Close()
	if err := f.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed to finalize %s: %w", f.path, err)
	}
	if flushErr != nil {
		return fmt.Errorf("failed to flush frames to ffmpeg: %w", flushErr)
	}
	return nil
}

// FFmpegWriterFactory encodes incidents to H.264 MP4 with ffmpeg
type FFmpegWriterFactory struct {
	Quality int
}

// Ext implements pipeline.WriterFactory
func (f FFmpegWriterFactory) Ext() string { return ".mp4" }

// Create implements pipeline.WriterFactory
func (f FFmpegWriterFactory) Create(path string, fps, width, height int) (pipeline.VideoWriter, error) {
	if fps <= 0 {
		fps = 15
	}
	args := []string{
		"-y",
		"-f", "image2pipe",
		"-framerate", fmt.Sprintf("%d", fps),
		"-vcodec", "mjpeg",
		"-i", "-",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		// libx264 needs even dimensions
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-movflags", "+faststart",
		"-loglevel", "error",
		path,
	}
	cmd := exec.Command(FFmpegBinary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg encoder: %w", err)
	}

	quality := f.Quality
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return &FFmpegWriter{
		cmd:     cmd,
		stdin:   stdin,
		w:       bufio.NewWriterSize(stdin, 256*1024),
		quality: quality,
		path:    path,
	}, nil
}

var (
	_ pipeline.FrameSource   = (*FFmpegSource)(nil)
	_ pipeline.WriterFactory = FFmpegWriterFactory{}
)
