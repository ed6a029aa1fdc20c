// Package analog implements the constructed-analog engine: leave-one-year-out
// training pools and the randomized-subsample SVD pseudo-inverse
// reconstruction of a target circulation state from historical analogs.
package analog

// Pool returns the training-pool time indices for the target step t in a
// record of ntime monthly steps: every index except the 12 contiguous
// months of the target's own year. The result always has ntime-12 entries,
// whether the excluded year is the first, the last or interior.
func Pool(t, ntime int) []int {
	yr := t / 12
	nyrs := ntime / 12
	pool := make([]int, 0, ntime-12)
	switch yr {
	case 0:
		for i := 12; i < ntime; i++ {
			pool = append(pool, i)
		}
	case nyrs - 1:
		for i := 0; i < ntime-12; i++ {
			pool = append(pool, i)
		}
	default:
		for i := 0; i < 12*yr; i++ {
			pool = append(pool, i)
		}
		for i := 12 * (yr + 1); i < ntime; i++ {
			pool = append(pool, i)
		}
	}
	return pool
}

// Candidates restricts the training pool of t to the target's calendar
// month via stride-12 selection, yielding the analog set. Its length is
// the per-month pool count N_a = nyrs-1.
func Candidates(t, ntime int) []int {
	month := t % 12
	pool := Pool(t, ntime)
	set := make([]int, 0, ntime/12-1)
	for _, i := range pool {
		if i%12 == month {
			set = append(set, i)
		}
	}
	return set
}
