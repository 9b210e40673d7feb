package s4pp

import "strconv"

// formatValue renders value as a signed fixed-point decimal with the
// decimal point placed decimals digits from the right, matching the
// original right-to-left putValue construction: digits are produced
// least-significant first, a '.' is injected once decimals digits have
// been emitted, and a mandatory '0' precedes the point even if no
// integer digits remain.
func formatValue(value int32, decimals uint8) string {
	neg := value < 0
	v := uint64(value)
	if neg {
		v = uint64(-int64(value))
	}

	var rev []byte
	d := int(decimals)
	for v != 0 || d >= 0 {
		digit := v % 10
		v /= 10
		if len(rev) > 0 && d == 0 {
			rev = append(rev, '.')
		}
		if len(rev) > 0 || digit != 0 || d <= 0 {
			rev = append(rev, byte('0'+digit))
		}
		d--
	}
	if neg {
		rev = append(rev, '-')
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return string(rev)
}

// formatDelta renders a signed integer as used for dt/span fields.
func formatDelta(v int32) string {
	return strconv.FormatInt(int64(v), 10)
}
