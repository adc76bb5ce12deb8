// Package logits chooses the next token from a decoder's output
// distribution.
package logits

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var (
	ErrEmptyDistribution     = errors.New("empty distribution")
	ErrNonFiniteDistribution = errors.New("non-finite value in distribution")
)

// Selector picks an index from a probability distribution over the
// vocabulary.
type Selector interface {
	Select(dist []float32) (int, error)
}

// Greedy returns the arg-max. Ties resolve to the lowest index.
type Greedy struct{}

func (Greedy) Select(dist []float32) (int, error) {
	if err := Validate(dist); err != nil {
		return 0, err
	}
	return argmax(dist), nil
}

// Validate rejects empty distributions and any NaN or infinite entry.
func Validate(dist []float32) error {
	if len(dist) == 0 {
		return ErrEmptyDistribution
	}
	for i, v := range dist {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: index %d is %v", ErrNonFiniteDistribution, i, v)
		}
	}
	return nil
}

func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// SamplerConfig configures a Sampler. Temperature <= 0 or TopK == 1
// degrades to greedy selection.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
}

// Sampler draws from the top of the distribution with a seeded source, so
// two samplers with the same config produce the same sequence. It is not
// safe for concurrent use.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	topIdx []int
	topVal []float64
	prob   []float64
}

func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0 || cfg.TopK == 1
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Select works on probabilities, not logits: temperature is applied as
// p^(1/T) before renormalising over the top-k shortlist, then the shortlist
// is cut once its cumulative mass reaches TopP.
func (s *Sampler) Select(dist []float32) (int, error) {
	if err := Validate(dist); err != nil {
		return 0, err
	}
	if s.greedy {
		return argmax(dist), nil
	}

	k := min(s.cfg.TopK, len(dist))
	topIdx, topVal := s.topK(dist, k)

	invTemp := 1.0 / float64(s.cfg.Temperature)
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i, v := range topVal {
		p := 0.0
		if v > 0 {
			p = math.Pow(v, invTemp)
		}
		prob[i] = p
		sum += p
	}
	if sum == 0 {
		return topIdx[0], nil
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	var mass float64
	for i := 0; i < cut; i++ {
		mass += prob[i]
	}
	r := s.rng.Float64() * mass
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i], nil
		}
	}
	return topIdx[cut-1], nil
}

// topK returns the k largest entries ordered from largest to smallest.
// O(V*K), fine for the small K used here.
func (s *Sampler) topK(dist []float32, k int) ([]int, []float64) {
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]
	for i, p := range dist {
		v := float64(p)
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx, s.topVal = topIdx, topVal
	return topIdx, topVal
}
