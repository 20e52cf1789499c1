// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package lex

import (
	"errors"
	"strconv"
	"strings"
)

// ParseInt converts s, a Lua numeral, to a 64-bit signed integer.
// Leading and trailing whitespace is permitted; any returned error has
// type [*strconv.NumError].
//
// https://lua.org/manual/5.4/manual.html#3.1
func ParseInt(s string) (int64, error) {
	trimmed := trimBlank(s)
	neg, digits := cutSign(trimmed)
	if strings.Contains(digits, "_") {
		return 0, numError("ParseInt", s)
	}

	if hexDigits, isHex := cutHexPrefix(digits); isHex {
		// Hex numerals with no radix point or exponent always denote an
		// integer; an overflowing value wraps to fit 64 bits, which is the
		// same result as truncating to the 64 least-significant bits before
		// interpreting the remainder as signed.
		const maxNibbles = 64 / 8 * 2
		if len(hexDigits) > maxNibbles {
			discarded := len(hexDigits) - maxNibbles
			for _, b := range []byte(hexDigits[:discarded]) {
				if _, err := hexNibble(b); err != nil {
					return 0, numError("ParseInt", s)
				}
			}
			hexDigits = hexDigits[discarded:]
		}

		u, err := strconv.ParseUint(hexDigits, 16, 64)
		if neg {
			return int64(-u), err
		}
		return int64(u), err
	}

	return strconv.ParseInt(trimmed, 10, 64)
}

// ParseNumber converts s, a Lua numeral, to a 64-bit floating-point value.
// Leading and trailing whitespace is permitted; any returned error has
// type [*strconv.NumError].
//
// https://lua.org/manual/5.4/manual.html#3.1
func ParseNumber(s string) (float64, error) {
	trimmed := trimBlank(s)
	_, digits := cutSign(trimmed)
	if strings.EqualFold(digits, "Inf") ||
		strings.EqualFold(digits, "Infinity") ||
		strings.EqualFold(digits, "NaN") ||
		strings.Contains(digits, "_") {
		return 0, numError("ParseNumber", s)
	}

	isHexLiteral := strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X")
	hasExponent := strings.ContainsAny(s, "pP")
	if isHexLiteral && !hasExponent {
		if !strings.Contains(s, ".") {
			// As in ParseInt: no radix point and no exponent means this
			// is really an integer literal, which can overflow and wrap.
			i, err := ParseInt(s)
			if err != nil {
				err.(*strconv.NumError).Func = "ParseNumber"
			}
			return float64(i), err
		}
		// strconv requires hex floats to carry an explicit exponent.
		f, err := strconv.ParseFloat(trimmed+"p0", 64)
		return finishParseFloat(f, err, s)
	}

	f, err := strconv.ParseFloat(trimmed, 64)
	return finishParseFloat(f, err, s)
}

func finishParseFloat(f float64, err error, original string) (float64, error) {
	if errors.Is(err, strconv.ErrRange) {
		return f, nil
	}
	if err != nil {
		err.(*strconv.NumError).Num = original
	}
	return f, err
}

func numError(fn, num string) *strconv.NumError {
	return &strconv.NumError{Func: fn, Num: num, Err: strconv.ErrSyntax}
}

func cutHexPrefix(s string) (rest string, ok bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:], true
	}
	return s, false
}

func cutSign(s string) (neg bool, rest string) {
	switch {
	case len(s) == 0:
		return false, s
	case s[0] == '+':
		return false, s[1:]
	case s[0] == '-':
		return true, s[1:]
	default:
		return false, s
	}
}

func trimBlank(s string) string {
	for len(s) > 0 && isBlank(s[0]) {
		s = s[1:]
	}
	for len(s) > 0 && isBlank(s[len(s)-1]) {
		s = s[:len(s)-1]
	}
	return s
}
