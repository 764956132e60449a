// Package money provides shared amount parsing, formatting, and payout
// splitting utilities.
//
// All amounts are carried as int64 in minor units (1 unit = 1 cent) to
// avoid floating-point drift. Card-payment amounts are bounded well below
// int64 range, so big integers are unnecessary.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Decimals is the number of decimal places in the major-unit representation.
const Decimals = 2

// BpsDenominator is the denominator for basis-point fractions.
const BpsDenominator = 10_000

// Parse converts a decimal string (e.g. "10.01") to minor units (1001).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// Format converts minor units to a decimal string with exactly two
// decimal places (1001 -> "10.01").
func Format(minor int64) string {
	neg := minor < 0
	if neg {
		minor = -minor
	}
	s := fmt.Sprintf("%d.%02d", minor/100, minor%100)
	if neg {
		s = "-" + s
	}
	return s
}

// Split divides an amount between payee and platform.
//
// The payee share is amount * payeeBps / 10000, rounded half-up. The
// platform share is the remainder, never rounded independently, so the two
// shares always sum exactly to the input amount.
func Split(amountMinor int64, payeeBps int64) (payee, platform int64) {
	if amountMinor <= 0 {
		return 0, 0
	}
	if payeeBps < 0 {
		payeeBps = 0
	}
	if payeeBps > BpsDenominator {
		payeeBps = BpsDenominator
	}

	payee = (amountMinor*payeeBps + BpsDenominator/2) / BpsDenominator
	platform = amountMinor - payee
	return payee, platform
}
