package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// Class-aware non-maximum suppression.
// Whenever two objects of the same class overlap with an IoU of at least minIoU, the one with the lower
// confidence is dropped. The survivors are returned in order of descending confidence.
func NonMaxSuppression(input []ObjectDetection, minIoU float32) []ObjectDetection {
	if len(input) < 2 {
		return append([]ObjectDetection(nil), input...)
	}

	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].Confidence > input[order[b]].Confidence
	})

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(b.Box.X, b.Box.Y, b.Box.X2(), b.Box.Y2())
	}
	fb.Finish()

	deleted := make([]bool, len(input))
	retain := make([]ObjectDetection, 0, len(input))
	nearby := []int{}
	for _, i := range order {
		if deleted[i] {
			continue
		}
		in := &input[i]
		retain = append(retain, *in)
		nearby = fb.SearchFast(in.Box.X, in.Box.Y, in.Box.X2(), in.Box.Y2(), nearby)
		for _, j := range nearby {
			if j == i || deleted[j] || input[j].Class != in.Class {
				continue
			}
			// Only suppress objects that we haven't visited yet, which are the less confident ones
			if input[j].Confidence > in.Confidence || (input[j].Confidence == in.Confidence && j < i) {
				continue
			}
			if in.Box.IOU(input[j].Box) >= minIoU {
				deleted[j] = true
			}
		}
	}
	return retain
}
