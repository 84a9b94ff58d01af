package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
	"gonum.org/v1/gonum/floats"

	"sentinai/internal/pipeline"
)

// SimilarityMethod is the image/text similarity unary method
const SimilarityMethod = "/sentinai.action.v1.ActionService/Similarity"

// logitScale matches the contrastive model's temperature
const logitScale = 100.0

// ClassifierConfig configures the action classifier client
type ClassifierConfig struct {
	ClientConfig
	Prompts     []string
	ClipLength  int // fixed clip length; 0 accepts any length
	JPEGQuality int
}

// Classifier scores clips against a fixed prompt vocabulary using an external
// image/text similarity service
type Classifier struct {
	*client
	prompts    []string
	clipLength int
	quality    int
}

// NewClassifier creates a classifier client
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if len(cfg.Prompts) == 0 {
		return nil, errors.New("classifier requires at least one prompt")
	}
	c, err := newClient(cfg.ClientConfig, "Classifier")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to action service: %w", err)
	}
	quality := cfg.JPEGQuality
	if quality <= 0 {
		quality = 90
	}
	prompts := append([]string(nil), cfg.Prompts...)
	return &Classifier{client: c, prompts: prompts, clipLength: cfg.ClipLength, quality: quality}, nil
}

// Prompts returns the vocabulary
func (c *Classifier) Prompts() []string {
	return append([]string(nil), c.prompts...)
}

// Score implements pipeline.ActionClassifier
func (c *Classifier) Score(ctx context.Context, clip []image.Image) (*pipeline.ActionScores, error) {
	if len(clip) == 0 {
		return nil, errors.New("empty clip")
	}
	if c.clipLength > 0 && len(clip) != c.clipLength {
		return nil, fmt.Errorf("clip has %d frames, want %d", len(clip), c.clipLength)
	}

	frames := make([]any, 0, len(clip))
	for i, img := range clip {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
			return nil, fmt.Errorf("failed to encode frame %d: %w", i, err)
		}
		frames = append(frames, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	prompts := make([]any, 0, len(c.prompts))
	for _, p := range c.prompts {
		prompts = append(prompts, p)
	}

	resp, err := c.invoke(ctx, SimilarityMethod, map[string]any{
		"frames":  frames,
		"prompts": prompts,
	})
	if err != nil {
		return nil, err
	}

	sims, err := parseSimilarities(resp, len(c.prompts))
	if err != nil {
		return nil, err
	}
	return Aggregate(c.prompts, sims), nil
}

func parseSimilarities(resp *structpb.Struct, prompts int) ([][]float64, error) {
	rows := resp.GetFields()["similarities"].GetListValue().GetValues()
	if len(rows) == 0 {
		return nil, errors.New("response has no similarities")
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		vals := row.GetListValue().GetValues()
		if len(vals) != prompts {
			return nil, fmt.Errorf("frame %d has %d similarities, want %d", i, len(vals), prompts)
		}
		out[i] = make([]float64, prompts)
		for j, v := range vals {
			out[i][j] = v.GetNumberValue()
		}
	}
	return out, nil
}

// Aggregate turns per-frame raw cosine similarities into frame-averaged
// probabilities (softmax over scaled logits per frame). MaxSimilarity is the
// highest frame-averaged raw similarity across prompts.
func Aggregate(prompts []string, sims [][]float64) *pipeline.ActionScores {
	n := len(prompts)
	avgProb := make([]float64, n)
	avgSim := make([]float64, n)
	logits := make([]float64, n)

	for _, row := range sims {
		copy(logits, row)
		floats.Scale(logitScale, logits)
		lse := floats.LogSumExp(logits)
		for j, l := range logits {
			avgProb[j] += math.Exp(l - lse)
		}
		floats.Add(avgSim, row)
	}

	frames := float64(len(sims))
	floats.Scale(1/frames, avgProb)
	floats.Scale(1/frames, avgSim)

	scores := &pipeline.ActionScores{
		Probabilities: make(map[string]float64, n),
		MaxSimilarity: floats.Max(avgSim),
	}
	for j, p := range prompts {
		scores.Probabilities[p] = avgProb[j]
	}
	return scores
}

var _ pipeline.ActionClassifier = (*Classifier)(nil)
