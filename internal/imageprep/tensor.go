package imageprep

// Tensor is a size×size×3 float32 image in row-major HWC order.
type Tensor struct {
	size int
	data []float32
}

func NewTensor(size int) *Tensor {
	return &Tensor{size: size, data: make([]float32, size*size*Channels)}
}

// Shape returns [height, width, channels].
func (t *Tensor) Shape() []int { return []int{t.size, t.size, Channels} }

func (t *Tensor) Size() int { return t.size }

// Data exposes the HWC backing slice. Callers must not retain it past the
// extractor call.
func (t *Tensor) Data() []float32 { return t.data }

func (t *Tensor) Set(y, x int, r, g, b float32) {
	i := (y*t.size + x) * Channels
	t.data[i], t.data[i+1], t.data[i+2] = r, g, b
}

func (t *Tensor) At(y, x int) (r, g, b float32) {
	i := (y*t.size + x) * Channels
	return t.data[i], t.data[i+1], t.data[i+2]
}

// CHW returns a planar copy for channels-first extractors.
func (t *Tensor) CHW() []float32 {
	plane := t.size * t.size
	out := make([]float32, len(t.data))
	for p := 0; p < plane; p++ {
		out[p] = t.data[p*Channels]
		out[plane+p] = t.data[p*Channels+1]
		out[2*plane+p] = t.data[p*Channels+2]
	}
	return out
}
