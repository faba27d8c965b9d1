package dispatch

import "math/rand"

// chunkShuffle randomizes order inside fixed-size chunks while keeping the
// chunks themselves in sequence. Delivery order varies run to run without any
// target drifting far from its original position, so early targets stay
// early even under randomization.
func chunkShuffle(targets []string, chunk int, rng *rand.Rand) []string {
	if chunk <= 1 || len(targets) <= 1 {
		return append([]string(nil), targets...)
	}
	out := append([]string(nil), targets...)
	for start := 0; start < len(out); start += chunk {
		end := start + chunk
		if end > len(out) {
			end = len(out)
		}
		seg := out[start:end]
		rng.Shuffle(len(seg), func(i, j int) { seg[i], seg[j] = seg[j], seg[i] })
	}
	return out
}
