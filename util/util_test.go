package util_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/pengusystems/rhodes/util"
)

func ExampleIsPowerOfTwo() {
	fmt.Println(util.IsPowerOfTwo(256), util.IsPowerOfTwo(96), util.IsPowerOfTwo(0))
	// Output: true false false
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 4, 64, 512, 1024} {
		if !util.IsPowerOfTwo(n) {
			t.Errorf("expected %d to be a power of two", n)
		}
	}
	for _, n := range []int{-4, 0, 3, 48, 1088} {
		if util.IsPowerOfTwo(n) {
			t.Errorf("expected %d to not be a power of two", n)
		}
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}
