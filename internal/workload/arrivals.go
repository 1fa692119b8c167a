package workload

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// arrivals draws how many processes of one definition arrive in each tick.
type arrivals struct {
	def     int // index into Workload.Processes
	until   uint64
	poisson *distuv.Poisson
}

func newArrivals(def int, rate float64, until uint64, seed int64) *arrivals {
	src := rand.NewSource(uint64(seed) + uint64(def))
	return &arrivals{
		def:     def,
		until:   until,
		poisson: &distuv.Poisson{Lambda: rate, Src: src},
	}
}

// draw returns the arrivals of tick, zero once the window has closed.
func (a *arrivals) draw(tick uint64) int {
	if tick >= a.until {
		return 0
	}
	return int(a.poisson.Rand())
}

func (a *arrivals) done(tick uint64) bool {
	return tick >= a.until
}
