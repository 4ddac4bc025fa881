package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1]: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// CrossfadeFrames blends an outgoing frame with an incoming frame at the given
// progress (0.0 = all outgoing, 1.0 = all incoming) along a smoothstep curve.
// The result has the length of incoming; missing outgoing samples count as
// silence, so a result can fade in from the end of a shorter one.
func CrossfadeFrames(outgoing, incoming []int16, progress float64) []int16 {
	gain := Smoothstep(progress)
	result := make([]int16, len(incoming))

	for i := range incoming {
		var out float64
		if i < len(outgoing) {
			out = float64(outgoing[i]) * (1 - gain)
		}
		result[i] = clip16(out + float64(incoming[i])*gain)
	}
	return result
}

func clip16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
