package filesystem

// CheckSize validates a byte count against a ceiling. A negative count can
// only be the product of a logic bug in the caller and is rejected loudly
// rather than passed along. A limit of zero or less disables the ceiling,
// negative counts are rejected regardless.
func CheckSize(size int64, limit int64) error {
	if size < 0 {
		return NewSizeExceededError(size, limit)
	}
	if limit > 0 && size > limit {
		return NewSizeExceededError(size, limit)
	}
	return nil
}

// CheckRatio validates the expansion ratio of a compressed payload. A zero
// compressed size with a nonzero uncompressed size is definitionally an
// infinite ratio and is rejected outright instead of divided. Zero bytes
// expanding to zero bytes is fine, archive formats emit such entries for
// directories. A maxRatio of zero or less disables the gate, the same
// convention every other ceiling here follows.
func CheckRatio(compressed int64, uncompressed int64, maxRatio float64) error {
	if compressed < 0 {
		return NewSizeExceededError(compressed, 0)
	}
	if uncompressed < 0 {
		return NewSizeExceededError(uncompressed, 0)
	}
	if maxRatio <= 0 {
		return nil
	}
	if uncompressed == 0 {
		return nil
	}
	if compressed == 0 {
		return NewRatioExceededError(0, maxRatio, uncompressed)
	}
	if ratio := float64(uncompressed) / float64(compressed); ratio > maxRatio {
		return NewRatioExceededError(ratio, maxRatio, uncompressed)
	}
	return nil
}
