package chain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Satoshi is a fixed-point amount with 8 fractional digits, matching
// spec.md's "fixed-point, 8 decimal places" requirement. All arithmetic is
// done in integer satoshis to avoid floating-point rounding.
type Satoshi int64

// SatoshisPerUnit is 10^8, the number of Satoshi per whole BT2C.
const SatoshisPerUnit = 100_000_000

// NewSatoshi constructs a Satoshi amount from a whole-unit count, for use
// building economic constants (e.g. NewSatoshi(21) for a block reward).
func NewSatoshi(units int64) Satoshi {
	return Satoshi(units * SatoshisPerUnit)
}

// ParseSatoshi parses a decimal string with up to 8 fractional digits into
// a Satoshi amount. Inputs with more than 8 fractional digits are rejected
// rather than silently rounded, per spec.md §9 ("reject inputs exceeding 8
// fractional digits rather than silently rounding").
func ParseSatoshi(s string) (Satoshi, error) {
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	parts := strings.SplitN(s, ".", 2)
	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chain: invalid amount %q: %w", s, err)
	}

	var frac int64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > 8 {
			return 0, fmt.Errorf("chain: amount %q exceeds 8 fractional digits", s)
		}
		fracStr = fracStr + strings.Repeat("0", 8-len(fracStr))
		frac, err = strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("chain: invalid amount %q: %w", s, err)
		}
	}

	total := whole*SatoshisPerUnit + frac
	if neg {
		total = -total
	}
	return Satoshi(total), nil
}

// String renders the amount as a decimal string with up to 8 fractional
// digits, per spec.md §6 ("Amounts are serialized as decimal strings").
func (s Satoshi) String() string {
	neg := s < 0
	v := int64(s)
	if neg {
		v = -v
	}
	whole := v / SatoshisPerUnit
	frac := v % SatoshisPerUnit
	out := fmt.Sprintf("%d.%08d", whole, frac)
	if neg {
		out = "-" + out
	}
	return out
}

// MarshalJSON implements json.Marshaler, encoding the amount as a decimal
// string rather than a bare integer.
func (s Satoshi) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Satoshi) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseSatoshi(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
