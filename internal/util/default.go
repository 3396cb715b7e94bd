package util

// SetDefaultIfZero replaces *v with defaultVal if *v is the zero value.
func SetDefaultIfZero[V comparable](v *V, defaultVal V) {
	var zeroVal V
	if *v == zeroVal {
		*v = defaultVal
	}
}
