package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/jpeg"

	"google.golang.org/protobuf/types/known/structpb"

	"sentinai/internal/pipeline"
)

// TrackMethod is the detector+tracker unary method
const TrackMethod = "/sentinai.perception.v1.PerceptionService/Track"

// DetectorConfig configures the detector client
type DetectorConfig struct {
	ClientConfig
	ConfThreshold float32
	Classes       []string // empty means the service default (persons)
}

// Detector calls the external person detector and multi-object tracker
type Detector struct {
	*client
	confThreshold float32
	classes       []string
}

// NewDetector creates a detector client
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	c, err := newClient(cfg.ClientConfig, "Detector")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to detection service: %w", err)
	}
	return &Detector{client: c, confThreshold: cfg.ConfThreshold, classes: cfg.Classes}, nil
}

// Detect implements pipeline.Detector. Detections without a track id are dropped.
func (d *Detector) Detect(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
	data := frame.Data
	if len(data) == 0 {
		if frame.Image == nil {
			return nil, fmt.Errorf("frame %d has no image", frame.Seq)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		data = buf.Bytes()
	}

	classes := make([]any, 0, len(d.classes))
	for _, c := range d.classes {
		classes = append(classes, c)
	}

	resp, err := d.invoke(ctx, TrackMethod, map[string]any{
		"camera_id":      frame.CameraID,
		"frame_seq":      float64(frame.Seq),
		"jpeg":           base64.StdEncoding.EncodeToString(data),
		"conf_threshold": float64(d.confThreshold),
		"classes":        classes,
	})
	if err != nil {
		return nil, err
	}
	return parseDetections(resp), nil
}

func parseDetections(resp *structpb.Struct) []pipeline.Detection {
	list := resp.GetFields()["detections"].GetListValue().GetValues()
	out := make([]pipeline.Detection, 0, len(list))
	for _, v := range list {
		fields := v.GetStructValue().GetFields()
		trackID, ok := fields["track_id"]
		if !ok {
			continue
		}
		if _, isNull := trackID.GetKind().(*structpb.Value_NullValue); isNull {
			continue
		}

		bbox := fields["bbox"].GetListValue().GetValues()
		if len(bbox) != 4 {
			continue
		}
		out = append(out, pipeline.Detection{
			TrackID:    int(trackID.GetNumberValue()),
			Class:      fields["class"].GetStringValue(),
			Confidence: float32(fields["confidence"].GetNumberValue()),
			BBox: pipeline.BBox{
				X1: float32(bbox[0].GetNumberValue()),
				Y1: float32(bbox[1].GetNumberValue()),
				X2: float32(bbox[2].GetNumberValue()),
				Y2: float32(bbox[3].GetNumberValue()),
			},
		})
	}
	return out
}

var _ pipeline.Detector = (*Detector)(nil)
