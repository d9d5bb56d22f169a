package vad

import (
	"encoding/binary"
	"math"
)

// Activity is the classifier's verdict for one audio chunk.
type Activity int

const (
	Silence Activity = iota
	Speaking
)

func (a Activity) String() string {
	if a == Speaking {
		return "speaking"
	}
	return "silence"
}

// Classifier decides whether a chunk of PCM audio contains speech.
type Classifier interface {
	Classify(pcm []byte) Activity
}

// EnergyClassifier flags speech when short-term RMS energy crosses a
// threshold for a minimum number of consecutive chunks, with hangover so
// brief pauses inside a word do not flip the verdict back to silence.
type EnergyClassifier struct {
	threshold float64
	attack    int
	hangover  int

	speaking bool
	above    int
	below    int
}

// NewEnergyClassifier builds a classifier for 16-bit little-endian PCM.
// threshold is normalized RMS in [0,1]; attack and hangover are chunk counts.
func NewEnergyClassifier(threshold float64, attack, hangover int) *EnergyClassifier {
	if threshold <= 0 {
		threshold = 0.02
	}
	if attack <= 0 {
		attack = 2
	}
	if hangover <= 0 {
		hangover = 8
	}
	return &EnergyClassifier{threshold: threshold, attack: attack, hangover: hangover}
}

func (c *EnergyClassifier) Classify(pcm []byte) Activity {
	energy := rms16(pcm)
	if energy >= c.threshold {
		c.above++
		c.below = 0
	} else {
		c.below++
		c.above = 0
	}

	if !c.speaking && c.above >= c.attack {
		c.speaking = true
	} else if c.speaking && c.below >= c.hangover {
		c.speaking = false
	}

	if c.speaking {
		return Speaking
	}
	return Silence
}

// Reset returns the classifier to the silent state.
func (c *EnergyClassifier) Reset() {
	c.speaking = false
	c.above = 0
	c.below = 0
}

func rms16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
