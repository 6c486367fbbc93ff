package fuzz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFuzzSeeds(t *testing.T) {
	seeds := [][]byte{
		{},
		{2, 0, 0, 0, 0, 0, 0, 0, 0, 5, 9, 0, 4},
		{2, 1, 0, 0, 0, 0, 0, 0, 0, 50, 7, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0, 20, 8, 4, 1, 0},
		{2, 0, 0, 0, 0, 0, 0, 0, 0, 100, 1, 0, 3, 0, 0, 0, 0, 0, 0, 0, 0, 12, 5, 3, 4},
		{2, 0, 0, 0, 0, 0, 0, 0, 0, 30, 1, 2, 1, 0, 0, 0, 0, 0, 0, 0, 0, 31, 2, 5, 10, 1, 0},
	}
	for _, s := range seeds {
		assert.NotPanics(t, func() { Fuzz(s) }, "%v", s)
	}
	assert.Equal(t, 1, Fuzz(seeds[1]))
}

func FuzzNodeManager(f *testing.F) {
	f.Add([]byte{2, 0, 0, 0, 0, 0, 0, 0, 0, 5, 9, 0, 4})
	f.Add([]byte{2, 0, 0, 0, 0, 0, 0, 0, 0, 30, 1, 2, 1, 0, 0, 0, 0, 0, 0, 0, 0, 31, 2, 5, 10, 1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		Fuzz(data)
	})
}
