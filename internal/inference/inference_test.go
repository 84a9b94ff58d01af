package inference

import (
	"context"
	"image"
	"image/color"
	"math"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"sentinai/internal/pipeline"
)

type structHandler func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// serve starts an in-process server exposing one Struct-in/Struct-out method
func serve(t *testing.T, service, method string, h structHandler) ClientConfig {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()

	desc := grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: method,
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return h(ctx, in)
			},
		}},
	}
	srv.RegisterService(&desc, struct{}{})

	hs := health.NewServer()
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return ClientConfig{
		Endpoint: "passthrough:///bufnet",
		Service:  service,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}
}

func TestDetectorParsesTrackedDetections(t *testing.T) {
	var got *structpb.Struct
	cfg := serve(t, "sentinai.perception.v1.PerceptionService", "Track", func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		got = req
		return structpb.NewStruct(map[string]any{
			"detections": []any{
				map[string]any{"track_id": 7, "class": "person", "confidence": 0.9, "bbox": []any{10, 20, 110, 220}},
				map[string]any{"class": "person", "confidence": 0.8, "bbox": []any{0, 0, 5, 5}},
				map[string]any{"track_id": nil, "class": "person", "confidence": 0.7, "bbox": []any{0, 0, 5, 5}},
			},
			"inference_ms": 12.5,
		})
	})

	d, err := NewDetector(DetectorConfig{ClientConfig: cfg, ConfThreshold: 0.5, Classes: []string{"person"}})
	require.NoError(t, err)
	defer d.Close()

	frame := &pipeline.FrameData{CameraID: "cam0", Seq: 42, Image: image.NewRGBA(image.Rect(0, 0, 8, 8))}
	dets, err := d.Detect(context.Background(), frame)
	require.NoError(t, err)

	require.Len(t, dets, 1)
	assert.Equal(t, pipeline.Detection{
		TrackID:    7,
		Class:      "person",
		Confidence: 0.9,
		BBox:       pipeline.BBox{X1: 10, Y1: 20, X2: 110, Y2: 220},
	}, dets[0])

	fields := got.GetFields()
	assert.Equal(t, "cam0", fields["camera_id"].GetStringValue())
	assert.Equal(t, 42.0, fields["frame_seq"].GetNumberValue())
	assert.NotEmpty(t, fields["jpeg"].GetStringValue())
	assert.InDelta(t, 0.5, fields["conf_threshold"].GetNumberValue(), 1e-6)

	assert.True(t, d.IsHealthy(context.Background()))
}

func TestDetectorRejectsEmptyFrame(t *testing.T) {
	cfg := serve(t, "sentinai.perception.v1.PerceptionService", "Track", func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return &structpb.Struct{}, nil
	})
	d, err := NewDetector(DetectorConfig{ClientConfig: cfg})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Detect(context.Background(), &pipeline.FrameData{Seq: 1})
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	prompts := []string{"punch", "walk"}
	// equal similarities -> uniform probabilities
	scores := Aggregate(prompts, [][]float64{{0.25, 0.25}, {0.25, 0.25}})
	assert.InDelta(t, 0.5, scores.Probabilities["punch"], 1e-9)
	assert.InDelta(t, 0.5, scores.Probabilities["walk"], 1e-9)
	assert.InDelta(t, 0.25, scores.MaxSimilarity, 1e-9)

	// a 0.01 cosine gap becomes e^1 after scaling
	scores = Aggregate(prompts, [][]float64{{0.31, 0.30}})
	want := math.E / (math.E + 1)
	assert.InDelta(t, want, scores.Probabilities["punch"], 1e-9)
	assert.InDelta(t, 1-want, scores.Probabilities["walk"], 1e-9)
	assert.InDelta(t, 0.31, scores.MaxSimilarity, 1e-9)

	// frames are averaged after the softmax
	scores = Aggregate(prompts, [][]float64{{0.5, 0.1}, {0.1, 0.5}})
	assert.InDelta(t, 0.5, scores.Probabilities["punch"], 1e-9)
	assert.InDelta(t, 0.3, scores.MaxSimilarity, 1e-9)

	sum := 0.0
	for _, p := range Aggregate(prompts, [][]float64{{0.9, -0.2}}).Probabilities {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func clip(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		img.SetRGBA(0, 0, color.RGBA{R: uint8(i), A: 255})
		out[i] = img
	}
	return out
}

func TestClassifierScore(t *testing.T) {
	prompts := []string{"a person punching someone", pipeline.PromptWalking}
	var frames int
	cfg := serve(t, "sentinai.action.v1.ActionService", "Similarity", func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		frames = len(req.GetFields()["frames"].GetListValue().GetValues())
		rows := make([]any, frames)
		for i := range rows {
			rows[i] = []any{0.32, 0.30}
		}
		return structpb.NewStruct(map[string]any{"similarities": rows})
	})

	c, err := NewClassifier(ClassifierConfig{ClientConfig: cfg, Prompts: prompts, ClipLength: 4})
	require.NoError(t, err)
	defer c.Close()

	scores, err := c.Score(context.Background(), clip(4))
	require.NoError(t, err)
	assert.Equal(t, 4, frames)

	label, score := scores.Top()
	assert.Equal(t, prompts[0], label)
	assert.InDelta(t, math.Exp(2)/(math.Exp(2)+1), score, 1e-9)
	assert.InDelta(t, 0.32, scores.MaxSimilarity, 1e-9)

	_, err = c.Score(context.Background(), clip(3))
	assert.Error(t, err, "clip length must match")
}

func TestClassifierRejectsMalformedResponse(t *testing.T) {
	cfg := serve(t, "sentinai.action.v1.ActionService", "Similarity", func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"similarities": []any{[]any{0.1}}})
	})
	c, err := NewClassifier(ClassifierConfig{ClientConfig: cfg, Prompts: []string{"a", "b"}})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Score(context.Background(), clip(2))
	assert.Error(t, err)

	_, err = NewClassifier(ClassifierConfig{ClientConfig: cfg})
	assert.Error(t, err, "prompts are required")
}
