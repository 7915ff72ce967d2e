package money

// Cents is a non-negative integer amount in minor currency units.
// Rounding from any external display unit ("ZAR units" etc.) is an edge
// concern and never happens inside the core.
type Cents int64

// Valid reports whether c is a legal monetary amount (non-negative).
func (c Cents) Valid() bool {
	return c >= 0
}

// Positive reports whether c is strictly greater than zero, the
// requirement for deposit/allocation/spend amounts.
func (c Cents) Positive() bool {
	return c > 0
}

// Min returns the smaller of a and b.
func Min(a, b Cents) Cents {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Cents) Cents {
	if a > b {
		return a
	}
	return b
}
