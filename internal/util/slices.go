package util

// SliceLast returns the final element of s, which must be non-empty.
func SliceLast[S ~[]E, E any](s S) E {
	return s[len(s)-1]
}
