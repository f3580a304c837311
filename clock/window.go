/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clock

import "container/ring"

// offsetWindow is a fixed-size moving average of offset samples, backed by
// a container/ring so inserting the (size+1)th sample evicts the oldest.
type offsetWindow struct {
	size        int
	currentSize int
	sum         float64
	samples     *ring.Ring
}

func newOffsetWindow(size int) *offsetWindow {
	if size < 1 {
		size = 1
	}
	w := &offsetWindow{size: size, samples: ring.New(size)}
	return w
}

func (w *offsetWindow) add(sample float64) {
	if w.currentSize == w.size {
		w.sum -= w.samples.Value.(float64)
	} else {
		w.currentSize++
	}
	w.samples.Value = sample
	w.sum += sample
	w.samples = w.samples.Next()
}

func (w *offsetWindow) mean() float64 {
	if w.currentSize == 0 {
		return 0
	}
	return w.sum / float64(w.currentSize)
}

// clampAll overwrites every slot currently held by the window with v,
// modeling PPS discipline forcing the whole offset history to agree with a
// GPS-derived absolute offset.
func (w *offsetWindow) clampAll(v float64) {
	r := w.samples
	for i := 0; i < w.size; i++ {
		r.Value = v
		r = r.Next()
	}
	if w.currentSize == 0 {
		w.currentSize = w.size
	}
	w.sum = v * float64(w.currentSize)
}

func (w *offsetWindow) full() bool {
	return w.currentSize == w.size
}
