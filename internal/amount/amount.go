// Package amount converts between human-entered decimal amounts and the
// fixed-point integer units used by the vault contract. All prices and
// balances settle at a scale of 10^7 (seven fractional digits).
package amount

import (
	"strings"

	xerrors "MeterVault/internal/errors"
)

// Decimals is the number of fractional digits carried by one unit amount.
const Decimals = 7

// Scale is the number of units per whole token (10^Decimals).
const Scale int64 = 10_000_000

var (
	// ErrInvalidAmount indicates a decimal string that cannot be settled at
	// the vault's fixed precision.
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "invalid amount")
	// ErrDivideByZero indicates a ceiling division with a non-positive divisor.
	ErrDivideByZero = xerrors.New(CodeDivideByZero, "division by zero")
)

const (
	CodeInvalidAmount xerrors.Code = "AMOUNT_INVALID"
	CodeDivideByZero  xerrors.Code = "AMOUNT_DIVIDE_BY_ZERO"
)

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:   "invalid amount",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDivideByZero, xerrors.Attributes{
		Message:   "division by zero",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// ParseUnits converts a decimal string such as "2.5" into fixed-point units.
// The input may carry at most seven fractional digits and only the characters
// [0-9.]; a leading dot is read as "0.".
func ParseUnits(text string) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrInvalidAmount
	}

	whole, frac := text, ""
	if idx := strings.IndexByte(text, '.'); idx >= 0 {
		whole, frac = text[:idx], text[idx+1:]
		if strings.IndexByte(frac, '.') >= 0 {
			return 0, ErrInvalidAmount
		}
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return 0, ErrInvalidAmount
	}

	units := int64(0)
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
		digit := int64(r - '0')
		if units > (1<<62)/10 {
			return 0, ErrInvalidAmount
		}
		units = units*10 + digit
	}
	if units > (1<<62)/Scale {
		return 0, ErrInvalidAmount
	}
	units *= Scale

	fracUnits := int64(0)
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
		fracUnits = fracUnits*10 + int64(r-'0')
	}
	for i := len(frac); i < Decimals; i++ {
		fracUnits *= 10
	}
	return units + fracUnits, nil
}

// FormatUnits renders fixed-point units as a decimal string. It is the exact
// inverse of ParseUnits for any value ParseUnits produces, and returns the
// mathematically exact quotient for every other value. Trailing fractional
// zeros are trimmed; whole amounts carry no fraction.
func FormatUnits(units int64) string {
	negative := units < 0
	if negative {
		units = -units
	}

	whole := units / Scale
	frac := units % Scale

	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	b.WriteString(itoa(whole))
	if frac != 0 {
		digits := itoa(frac)
		b.WriteByte('.')
		for i := len(digits); i < Decimals; i++ {
			b.WriteByte('0')
		}
		b.WriteString(strings.TrimRight(digits, "0"))
	}
	return b.String()
}

// CeilDiv returns the smallest integer >= numerator/denominator. A budget
// derived with CeilDiv can never under-cover the requested cap. Non-positive
// numerators yield zero; non-positive denominators are rejected.
func CeilDiv(numerator, denominator int64) (int64, error) {
	if denominator <= 0 {
		return 0, ErrDivideByZero
	}
	if numerator <= 0 {
		return 0, nil
	}
	// Quotient-plus-remainder form: numerator+denominator-1 would overflow
	// for denominators near the int64 maximum.
	quotient := numerator / denominator
	if numerator%denominator != 0 {
		quotient++
	}
	return quotient, nil
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[pos:])
}
