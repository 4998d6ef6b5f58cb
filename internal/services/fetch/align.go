package fetch

// Mode selects the alignment profile. Bulk download favors larger quanta to
// cut round trips; interactive streaming favors smaller quanta so seeks
// waste less prefix.
type Mode int

const (
	ModeStream Mode = iota
	ModeDownload
)

const minQuantum int64 = 4 << 10

// Quantum returns the backend alignment granularity for an object of the
// given size. Range reads must start and be limited on multiples of it.
func Quantum(sizeHint int64, mode Mode) int64 {
	switch {
	case sizeHint >= 200<<20:
		if mode == ModeDownload {
			return 1 << 20
		}
		return 256 << 10
	case sizeHint >= 20<<20:
		if mode == ModeDownload {
			return 512 << 10
		}
		return 128 << 10
	case sizeHint >= 2<<20:
		if mode == ModeDownload {
			return 128 << 10
		}
		return 64 << 10
	default:
		return minQuantum
	}
}

// Align widens [start, start+length) to a quantum-aligned window.
// skip is the number of leading bytes the caller must discard; it is always
// smaller than the quantum. alignedLength is at least one quantum and covers
// the whole requested window.
func Align(start, length, sizeHint int64, mode Mode) (alignedStart, alignedLength, skip int64) {
	q := Quantum(sizeHint, mode)
	alignedStart = start - start%q
	skip = start - alignedStart

	needed := length + skip
	alignedLength = (needed + q - 1) / q * q
	if alignedLength < q {
		alignedLength = q
	}
	return alignedStart, alignedLength, skip
}

// ChunkSize rounds a target chunk size up to a quantum multiple for the
// given object size, so every chunk boundary is a legal read offset.
func ChunkSize(target, sizeHint int64, mode Mode) int64 {
	return roundUpToQuantum(target, Quantum(sizeHint, mode))
}

func roundUpToQuantum(target, quantum int64) int64 {
	if target <= quantum {
		return quantum
	}
	return (target + quantum - 1) / quantum * quantum
}
