package main

import (
	"fmt"
	"math/rand"
)

// keyChooser picks the key index for the next operation. One chooser per
// worker; not safe for sharing.
type keyChooser interface {
	Next() int
}

type uniformChooser struct {
	r *rand.Rand
	n int
}

func (u *uniformChooser) Next() int { return u.r.Intn(u.n) }

type zipfChooser struct {
	z *rand.Zipf
}

func (z *zipfChooser) Next() int { return int(z.z.Uint64()) }

// newChooser builds a per-worker key chooser. Zipfian skew s must exceed 1;
// values around 1.1 give the usual hot-key shape.
func newChooser(distribution string, keys int, s float64, seed int64) (keyChooser, error) {
	r := rand.New(rand.NewSource(seed))
	switch distribution {
	case "uniform":
		return &uniformChooser{r: r, n: keys}, nil
	case "zipfian":
		if s <= 1 {
			return nil, fmt.Errorf("zipfian skew must be > 1, got %v", s)
		}
		return &zipfChooser{z: rand.NewZipf(r, s, 1, uint64(keys-1))}, nil
	default:
		return nil, fmt.Errorf("unknown distribution %q (want uniform or zipfian)", distribution)
	}
}
