package reasoner

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/jpeg"

	"sentinai/internal/video"
)

// NoFramesDescription is reported when a clip has no decodable frames
const NoFramesDescription = "no readable frames"

// extractFrames returns evenly spaced key frames as base64 JPEG
func extractFrames(ctx context.Context, cfg Config, path string) ([]string, error) {
	frames, err := video.SampleKeyFrames(ctx, path, cfg.NumFrames, cfg.ResizeWidth, cfg.ResizeHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to extract frames from %s: %w", path, err)
	}

	out := make([]string, 0, len(frames))
	for i, f := range frames {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, f, &jpeg.Options{Quality: cfg.JPEGQuality}); err != nil {
			return nil, fmt.Errorf("failed to encode key frame %d: %w", i, err)
		}
		out = append(out, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	return out, nil
}
