// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package code

import (
	"math"
	"testing"
)

func TestCeilLog2(t *testing.T) {
	tests := []struct {
		x    uint
		want uint8
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{8, 3},
		{9, 4},
		{256, 8},
		{257, 9},
	}
	for _, test := range tests {
		if got := ceilLog2(test.x); got != test.want {
			t.Errorf("ceilLog2(%d) = %d; want %d", test.x, got, test.want)
		}
	}
}

// FuzzCeilLog2 checks ceilLog2's bit-shifting implementation against the
// floating-point definition it's a faster stand-in for, across the full
// table-lookup range and beyond.
func FuzzCeilLog2(f *testing.F) {
	for i := range uint(256) {
		f.Add(i)
	}
	f.Add(uint(1) << 20)

	f.Fuzz(func(t *testing.T, x uint) {
		if x == 0 {
			return
		}
		got := int64(ceilLog2(x))
		want := int64(math.Ceil(math.Log2(float64(x))))
		if got != want {
			t.Errorf("ceilLog2(%d) = %d; want %d", x, got, want)
		}
	})
}
