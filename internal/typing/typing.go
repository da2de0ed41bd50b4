package typing

// Unit is the empty result of an effect run only for its side effects.
type Unit struct{}
