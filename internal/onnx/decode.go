package onnx

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-player/inference"
)

// candidateLabels is how many classes a detected object reports.
const candidateLabels = 3

// decodeParams carries what decoding needs besides the raw tensor.
type decodeParams struct {
	labels     []string
	confidence float32
	iou        float32
	maxObjects int
	place      placement
}

func (p decodeParams) label(class int) string {
	if class >= 0 && class < len(p.labels) {
		return p.labels[class]
	}
	return fmt.Sprintf("class_%d", class)
}

// decodeClassification turns one score vector into classifications sorted by
// descending confidence. Scores outside [0, 1] are treated as logits.
func decodeClassification(scores []float32, p decodeParams) inference.Classifications {
	if len(scores) == 0 {
		return nil
	}

	probs := scores
	if !isProbability(scores) {
		probs = softmax(scores)
	}

	out := make(inference.Classifications, len(probs))
	for i, c := range probs {
		out[i] = inference.Classification{
			ID:         uuid.New(),
			Identifier: p.label(i),
			Confidence: c,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})

	if p.maxObjects > 0 && len(out) > p.maxObjects {
		out = out[:p.maxObjects]
	}
	return out
}

func isProbability(v []float32) bool {
	for _, x := range v {
		if x < 0 || x > 1 {
			return false
		}
	}
	return true
}

func softmax(v []float32) []float32 {
	maxV := v[0]
	for _, x := range v[1:] {
		if x > maxV {
			maxV = x
		}
	}

	out := make([]float32, len(v))
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// candidate is one pre-NMS detection in input-pixel space.
type candidate struct {
	x1, y1, x2, y2 float32
	class          int
	score          float32
	labels         []inference.Classification
}

// decodeDetections decodes a YOLO-style [1, 4+C, N] output: per column
// (cx, cy, w, h, class scores...) in input pixels. Boxes above the confidence
// threshold go through per-class NMS and come back normalized to the source
// image.
func decodeDetections(data []float32, shape []int64, p decodeParams) (inference.ObjectObservations, error) {
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("unexpected detection output shape %v (want [1, 4+C, N])", shape)
	}
	attrs, n := int(shape[1]), int(shape[2])
	classes := attrs - 4
	if classes < 1 {
		return nil, fmt.Errorf("detection output has no class scores (shape %v)", shape)
	}
	if len(data) < attrs*n {
		return nil, fmt.Errorf("detection output holds %d values, shape %v needs %d", len(data), shape, attrs*n)
	}

	at := func(attr, i int) float32 { return data[attr*n+i] }

	var cands []candidate
	for i := 0; i < n; i++ {
		best, bestScore := 0, at(4, i)
		for c := 1; c < classes; c++ {
			if s := at(4+c, i); s > bestScore {
				best, bestScore = c, s
			}
		}
		if bestScore < p.confidence {
			continue
		}

		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		cands = append(cands, candidate{
			x1:     cx - w/2,
			y1:     cy - h/2,
			x2:     cx + w/2,
			y2:     cy + h/2,
			class:  best,
			score:  bestScore,
			labels: topClasses(func(c int) float32 { return at(4+c, i) }, classes, p),
		})
	}

	kept := nms(cands, p.iou)
	if p.maxObjects > 0 && len(kept) > p.maxObjects {
		kept = kept[:p.maxObjects]
	}

	out := make(inference.ObjectObservations, 0, len(kept))
	for _, c := range kept {
		out = append(out, inference.ObjectObservation{
			ID:         uuid.New(),
			Labels:     c.labels,
			Confidence: c.score,
			Box:        p.place.normalize(float64(c.x1), float64(c.y1), float64(c.x2), float64(c.y2)),
		})
	}
	return out, nil
}

// topClasses returns up to candidateLabels classes by descending score.
func topClasses(score func(int) float32, classes int, p decodeParams) []inference.Classification {
	idx := make([]int, classes)
	for c := range idx {
		idx[c] = c
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return score(idx[a]) > score(idx[b])
	})

	k := min(candidateLabels, classes)
	out := make([]inference.Classification, k)
	for i := 0; i < k; i++ {
		out[i] = inference.Classification{
			Identifier: p.label(idx[i]),
			Confidence: score(idx[i]),
		}
	}
	return out
}

// nms runs greedy per-class non-maximum suppression. The result is sorted by
// descending score.
func nms(cands []candidate, iouThreshold float32) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})

	kept := make([]candidate, 0, len(cands))
	suppressed := make([]bool, len(cands))
	for i := range cands {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cands[i])
		for j := i + 1; j < len(cands); j++ {
			if !suppressed[j] && cands[j].class == cands[i].class && iou(cands[i], cands[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b candidate) float32 {
	ix1 := max(a.x1, b.x1)
	iy1 := max(a.y1, b.y1)
	ix2 := min(a.x2, b.x2)
	iy2 := min(a.y2, b.y2)

	iw := max(0, ix2-ix1)
	ih := max(0, iy2-iy1)
	inter := iw * ih

	union := (a.x2-a.x1)*(a.y2-a.y1) + (b.x2-b.x1)*(b.y2-b.y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
