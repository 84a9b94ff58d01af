package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"

	"sentinai/internal/pipeline"
)

// Open returns a frame source for input. MJPEG files are read natively;
// everything else goes through ffmpeg.
func Open(ctx context.Context, input string, opts SourceOptions) (pipeline.FrameSource, error) {
	if strings.EqualFold(filepath.Ext(input), ".mjpeg") {
		return OpenMJPEG(input, opts.CameraID)
	}
	return OpenFFmpeg(ctx, input, opts)
}

// Resize scales img to width×height
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// SampleKeyFrames picks n evenly spaced frames from the video at path
// (indices i*step with step = max(1, total/n)), resized to width×height.
// A video with no readable frames yields an empty slice and no error.
func SampleKeyFrames(ctx context.Context, path string, n, width, height int) ([]image.Image, error) {
	if n <= 0 {
		return nil, nil
	}

	src, err := Open(ctx, path, SourceOptions{})
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var frames []image.Image
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if len(frames) > 0 {
				// Truncated file: use what was readable
				break
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		frames = append(frames, Resize(frame.Image, width, height))
	}

	total := len(frames)
	if total == 0 {
		return nil, nil
	}

	step := total / n
	if step < 1 {
		step = 1
	}
	out := make([]image.Image, 0, n)
	for i := 0; i < n; i++ {
		idx := i * step
		if idx >= total {
			break
		}
		out = append(out, frames[idx])
	}
	return out, nil
}
