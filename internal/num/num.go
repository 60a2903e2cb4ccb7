// Package num implements the three-scale fixed-point arithmetic used by the
// accounting core: WAD (1e18) for token amounts and debt shares, RAY (1e27)
// for rates and safety-margin prices, RAD (1e45 = WAD*RAY) for absolute debt
// value. All values are unsigned 256-bit integers; every operation that can
// lose precision carries an explicit rounding direction in its name.
package num

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

const (
	// WadDecimals is the decimal precision of WAD-scaled values.
	WadDecimals = 18
	// RayDecimals is the decimal precision of RAY-scaled values.
	RayDecimals = 27
	// RadDecimals is the decimal precision of RAD-scaled values.
	RadDecimals = 45

	// BpsDenominator is the basis-point denominator (100% = 10000).
	BpsDenominator = 10000
)

var (
	wadOne  = mustExp10(WadDecimals)
	rayOne  = mustExp10(RayDecimals)
	radOne  = mustExp10(RadDecimals)
	rayHalf = new(uint256.Int).Div(mustExp10(RayDecimals), uint256.NewInt(2))
	bpsDen  = uint256.NewInt(BpsDenominator)
)

func mustExp10(n uint) *uint256.Int {
	z := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint(0); i < n; i++ {
		z.Mul(z, ten)
	}
	return z
}

// Uint is a wrapper around an unsigned 256-bit integer.
type Uint struct {
	u uint256.Int
}

// NewUint returns a Uint holding the given uint64 value.
func NewUint(v uint64) *Uint {
	return &Uint{*uint256.NewInt(v)}
}

// Zero returns a new zero-valued Uint.
func Zero() *Uint {
	return &Uint{}
}

// WadOne returns 1.0 in WAD scale.
func WadOne() *Uint { return &Uint{*new(uint256.Int).Set(wadOne)} }

// RayOne returns 1.0 in RAY scale.
func RayOne() *Uint { return &Uint{*new(uint256.Int).Set(rayOne)} }

// RadOne returns 1.0 in RAD scale.
func RadOne() *Uint { return &Uint{*new(uint256.Int).Set(radOne)} }

// MaxUint returns the largest representable Uint. Callers passing it as a
// requested amount are asking for "everything"; operations saturate rather
// than reject.
func MaxUint() *Uint {
	z := &Uint{}
	z.u.SetAllOne()
	return z
}

// UintFromBig converts a big.Int. The second return is true on overflow or
// negative input.
func UintFromBig(b *big.Int) (*Uint, bool) {
	if b.Sign() < 0 {
		return Zero(), true
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return Zero(), true
	}
	return &Uint{*u}, false
}

// UintFromString parses a base-10 unsigned integer string.
func UintFromString(s string) (*Uint, error) {
	z := &Uint{}
	if err := z.u.SetFromDecimal(s); err != nil {
		return nil, fmt.Errorf("parse uint %q: %w", s, err)
	}
	return z, nil
}

// FromDecimal parses a decimal literal such as "1.025" into a fixed-point
// integer with the given number of decimals. Excess fractional digits are an
// error rather than silently truncated.
func FromDecimal(s string, decimals uint) (*Uint, error) {
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if uint(len(frac)) > decimals {
		return nil, fmt.Errorf("parse decimal %q: more than %d fractional digits", s, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	z, err := UintFromString(whole)
	if err != nil {
		return nil, err
	}
	scale := &Uint{*mustExp10(decimals)}
	z.u.Mul(&z.u, &scale.u)
	if frac != "" {
		f, err := UintFromString(frac)
		if err != nil {
			return nil, err
		}
		z.u.Add(&z.u, &f.u)
	}
	return z, nil
}

// MustDecimal is FromDecimal for literals known to be valid; panics otherwise.
func MustDecimal(s string, decimals uint) *Uint {
	z, err := FromDecimal(s, decimals)
	if err != nil {
		panic(err)
	}
	return z
}

// FormatDecimal renders a fixed-point integer as a decimal literal, trimming
// trailing fractional zeros.
func FormatDecimal(u *Uint, decimals uint) string {
	s := u.u.Dec()
	if decimals == 0 {
		return s
	}
	if uint(len(s)) <= decimals {
		s = strings.Repeat("0", int(decimals)-len(s)+1) + s
	}
	cut := uint(len(s)) - decimals
	whole, frac := s[:cut], s[cut:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// Set copies oth into z.
func (z *Uint) Set(oth *Uint) *Uint {
	z.u.Set(&oth.u)
	return z
}

// Clone returns an independent copy.
func (z *Uint) Clone() *Uint {
	return &Uint{*new(uint256.Int).Set(&z.u)}
}

// Add sets z = x + y.
func (z *Uint) Add(x, y *Uint) *Uint {
	z.u.Add(&x.u, &y.u)
	return z
}

// Sub sets z = x - y. Callers must guard against underflow with Cmp first;
// the result wraps like the underlying integer.
func (z *Uint) Sub(x, y *Uint) *Uint {
	z.u.Sub(&x.u, &y.u)
	return z
}

// Mul sets z = x * y.
func (z *Uint) Mul(x, y *Uint) *Uint {
	z.u.Mul(&x.u, &y.u)
	return z
}

// Div sets z = x / y (floor). Division by zero yields zero.
func (z *Uint) Div(x, y *Uint) *Uint {
	z.u.Div(&x.u, &y.u)
	return z
}

// IsZero reports whether z == 0.
func (z *Uint) IsZero() bool { return z.u.IsZero() }

// EQ reports z == oth.
func (z *Uint) EQ(oth *Uint) bool { return z.u.Eq(&oth.u) }

// NEQ reports z != oth.
func (z *Uint) NEQ(oth *Uint) bool { return !z.u.Eq(&oth.u) }

// LT reports z < oth.
func (z *Uint) LT(oth *Uint) bool { return z.u.Lt(&oth.u) }

// LTE reports z <= oth.
func (z *Uint) LTE(oth *Uint) bool { return !z.u.Gt(&oth.u) }

// GT reports z > oth.
func (z *Uint) GT(oth *Uint) bool { return z.u.Gt(&oth.u) }

// GTE reports z >= oth.
func (z *Uint) GTE(oth *Uint) bool { return !z.u.Lt(&oth.u) }

// Cmp returns -1, 0 or +1.
func (z *Uint) Cmp(oth *Uint) int { return z.u.Cmp(&oth.u) }

// Uint64 returns the low 64 bits.
func (z *Uint) Uint64() uint64 { return z.u.Uint64() }

// BigInt returns the value as a big.Int.
func (z *Uint) BigInt() *big.Int { return z.u.ToBig() }

// String returns the base-10 integer representation.
func (z *Uint) String() string { return z.u.Dec() }

// MarshalJSON encodes the value as a quoted base-10 string. RAY/RAD values
// exceed float64 and int64 range, so JSON numbers are never used.
func (z *Uint) MarshalJSON() ([]byte, error) {
	return []byte(`"` + z.u.Dec() + `"`), nil
}

// UnmarshalJSON decodes a quoted base-10 string.
func (z *Uint) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	return z.u.SetFromDecimal(s)
}

// Min returns the smaller of a and b.
func Min(a, b *Uint) *Uint {
	if a.LT(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b *Uint) *Uint {
	if a.GT(b) {
		return a
	}
	return b
}

// === Scale-crossing operations ===
//
// Products of in-range operands never overflow 256 bits: the largest
// intermediate (RAD * RAY = 1e72 scale) is far below 2^256.

// MulWadRay multiplies a WAD amount by a RAY rate, yielding RAD. Exact: the
// scales compose (1e18 * 1e27 = 1e45), so no rounding occurs. This is the
// debt-share-to-debt-value conversion.
func MulWadRay(wad, ray *Uint) *Uint {
	z := Zero()
	z.u.Mul(&wad.u, &ray.u)
	return z
}

// DivRadByRayDown divides a RAD value by a RAY price/rate, yielding WAD,
// rounded toward zero (the protocol's favor when crediting a counterparty).
func DivRadByRayDown(rad, ray *Uint) *Uint {
	z := Zero()
	z.u.Div(&rad.u, &ray.u)
	return z
}

// DivRadByRayUp is DivRadByRayDown rounded away from zero (the protocol's
// favor when debiting a counterparty).
func DivRadByRayUp(rad, ray *Uint) *Uint {
	z := Zero()
	var rem uint256.Int
	z.u.DivMod(&rad.u, &ray.u, &rem)
	if !rem.IsZero() {
		z.u.AddUint64(&z.u, 1)
	}
	return z
}

// MulRayDown multiplies x by a RAY factor and rescales back (x*ray/1e27),
// rounded down. x keeps its own scale.
func MulRayDown(x, ray *Uint) *Uint {
	z := Zero()
	z.u.Mul(&x.u, &ray.u)
	z.u.Div(&z.u, rayOne)
	return z
}

// MulRayUp is MulRayDown rounded up.
func MulRayUp(x, ray *Uint) *Uint {
	z := Zero()
	z.u.Mul(&x.u, &ray.u)
	var rem uint256.Int
	z.u.DivMod(&z.u, rayOne, &rem)
	if !rem.IsZero() {
		z.u.AddUint64(&z.u, 1)
	}
	return z
}

// MulBpsDown scales x by bps/10000, rounded down.
func MulBpsDown(x *Uint, bps uint64) *Uint {
	z := Zero()
	z.u.Mul(&x.u, uint256.NewInt(bps))
	z.u.Div(&z.u, bpsDen)
	return z
}

// MulBpsUp scales x by bps/10000, rounded up.
func MulBpsUp(x *Uint, bps uint64) *Uint {
	z := Zero()
	z.u.Mul(&x.u, uint256.NewInt(bps))
	var rem uint256.Int
	z.u.DivMod(&z.u, bpsDen, &rem)
	if !rem.IsZero() {
		z.u.AddUint64(&z.u, 1)
	}
	return z
}

// DivByBpsDown scales x by 10000/bps, rounded down. Used to strip an
// incentive premium back to par.
func DivByBpsDown(x *Uint, bps uint64) *Uint {
	z := Zero()
	z.u.Mul(&x.u, bpsDen)
	z.u.Div(&z.u, uint256.NewInt(bps))
	return z
}

// rmulHalf multiplies two RAY values with half-up rounding, the accumulation
// step used by RPow so repeated squaring does not drift systematically down.
func rmulHalf(x, y *uint256.Int) *uint256.Int {
	z := new(uint256.Int).Mul(x, y)
	z.Add(z, rayHalf)
	return z.Div(z, rayOne)
}

// RPow raises a RAY base to an integer power by squaring. This is the
// per-second stability-fee compounding primitive: RPow(rate, elapsed).
func RPow(x *Uint, n uint64) *Uint {
	if n == 0 {
		return RayOne()
	}
	base := new(uint256.Int).Set(&x.u)
	var acc *uint256.Int
	if n%2 != 0 {
		acc = new(uint256.Int).Set(base)
	} else {
		acc = new(uint256.Int).Set(rayOne)
	}
	for n /= 2; n != 0; n /= 2 {
		base = rmulHalf(base, base)
		if n%2 != 0 {
			acc = rmulHalf(acc, base)
		}
	}
	return &Uint{*acc}
}
