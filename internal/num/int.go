package num

import "fmt"

// Int is a signed magnitude value used for position deltas: an unsigned
// 256-bit absolute value plus a sign. Zero is always non-negative.
type Int struct {
	abs *Uint
	neg bool
}

// NewInt builds a signed value from an absolute magnitude and a sign flag.
// The magnitude is copied.
func NewInt(abs *Uint, negative bool) *Int {
	if abs.IsZero() {
		negative = false
	}
	return &Int{abs: abs.Clone(), neg: negative}
}

// IntZero returns a zero delta.
func IntZero() *Int {
	return &Int{abs: Zero()}
}

// IntFromUint returns a non-negative delta with the given magnitude.
func IntFromUint(u *Uint) *Int {
	return NewInt(u, false)
}

// IntFromDecimal parses a signed decimal literal ("-1.5") into a fixed-point
// delta with the given number of decimals.
func IntFromDecimal(s string, decimals uint) (*Int, error) {
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	abs, err := FromDecimal(s, decimals)
	if err != nil {
		return nil, err
	}
	return NewInt(abs, neg), nil
}

// Abs returns a copy of the magnitude.
func (i *Int) Abs() *Uint { return i.abs.Clone() }

// IsNegative reports whether the delta is strictly negative.
func (i *Int) IsNegative() bool { return i.neg }

// IsPositive reports whether the delta is strictly positive.
func (i *Int) IsPositive() bool { return !i.neg && !i.abs.IsZero() }

// IsZero reports whether the delta is zero.
func (i *Int) IsZero() bool { return i.abs.IsZero() }

// Neg returns the delta with the opposite sign.
func (i *Int) Neg() *Int {
	return NewInt(i.abs, !i.neg)
}

// Clone returns an independent copy.
func (i *Int) Clone() *Int {
	return &Int{abs: i.abs.Clone(), neg: i.neg}
}

// ApplyTo returns u + i. The second return is false when the result would be
// negative; u is never modified.
func (i *Int) ApplyTo(u *Uint) (*Uint, bool) {
	if i.neg {
		if u.LT(i.abs) {
			return nil, false
		}
		return Zero().Sub(u, i.abs), true
	}
	return Zero().Add(u, i.abs), true
}

// String renders the signed base-10 integer representation.
func (i *Int) String() string {
	if i.neg {
		return "-" + i.abs.String()
	}
	return i.abs.String()
}

// MarshalJSON encodes the delta as a quoted signed base-10 string.
func (i *Int) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.String() + `"`), nil
}

// UnmarshalJSON decodes a quoted signed base-10 string.
func (i *Int) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("parse int: not a JSON string: %s", s)
	}
	s = s[1 : len(s)-1]
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	abs, err := UintFromString(s)
	if err != nil {
		return err
	}
	i.abs = abs
	i.neg = neg && !abs.IsZero()
	return nil
}
