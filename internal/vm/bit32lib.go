// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import "fmt"

// Bit32LibraryName is the conventional identifier for the bitwise operation
// library from Lua 5.2, retained here for compatibility with scripts that
// predate Lua 5.4's native bitwise operators.
const Bit32LibraryName = "bit32"

// NewOpenBit32 returns a [Function] that loads the bit32 library.
// The resulting function is intended to be used as an argument to
// [Require].
func NewOpenBit32() Function {
	return func(l *State) (int, error) {
		return 1, NewLib(l, map[string]Function{
			"arshift": bit32ArShift,
			"band":    bit32Band,
			"bnot":    bit32BNot,
			"bor":     bit32Bor,
			"btest":   bit32BTest,
			"bxor":    bit32BXor,
			"extract": bit32Extract,
			"lrotate": bit32LRotate,
			"lshift":  bit32LShift,
			"replace": bit32Replace,
			"rrotate": bit32RRotate,
			"rshift":  bit32RShift,
		})
	}
}

func checkBit32(l *State, arg int) (uint32, error) {
	n, err := CheckInteger(l, arg)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func bit32Band(l *State) (int, error) {
	n := l.Top()
	result := ^uint32(0)
	for i := 1; i <= n; i++ {
		x, err := checkBit32(l, i)
		if err != nil {
			return 0, err
		}
		result &= x
	}
	l.PushInteger(int64(result))
	return 1, nil
}

func bit32Bor(l *State) (int, error) {
	n := l.Top()
	var result uint32
	for i := 1; i <= n; i++ {
		x, err := checkBit32(l, i)
		if err != nil {
			return 0, err
		}
		result |= x
	}
	l.PushInteger(int64(result))
	return 1, nil
}

func bit32BXor(l *State) (int, error) {
	n := l.Top()
	var result uint32
	for i := 1; i <= n; i++ {
		x, err := checkBit32(l, i)
		if err != nil {
			return 0, err
		}
		result ^= x
	}
	l.PushInteger(int64(result))
	return 1, nil
}

func bit32BNot(l *State) (int, error) {
	x, err := checkBit32(l, 1)
	if err != nil {
		return 0, err
	}
	l.PushInteger(int64(^x))
	return 1, nil
}

func bit32BTest(l *State) (int, error) {
	n := l.Top()
	var result uint32 = ^uint32(0)
	for i := 1; i <= n; i++ {
		x, err := checkBit32(l, i)
		if err != nil {
			return 0, err
		}
		result &= x
	}
	l.PushBoolean(result != 0)
	return 1, nil
}

func bit32LShift(l *State) (int, error) {
	x, err := checkBit32(l, 1)
	if err != nil {
		return 0, err
	}
	n, err := CheckInteger(l, 2)
	if err != nil {
		return 0, err
	}
	l.PushInteger(int64(shiftLeft32(x, n)))
	return 1, nil
}

func bit32RShift(l *State) (int, error) {
	x, err := checkBit32(l, 1)
	if err != nil {
		return 0, err
	}
	n, err := CheckInteger(l, 2)
	if err != nil {
		return 0, err
	}
	l.PushInteger(int64(shiftLeft32(x, -n)))
	return 1, nil
}

func bit32ArShift(l *State) (int, error) {
	x, err := checkBit32(l, 1)
	if err != nil {
		return 0, err
	}
	n, err := CheckInteger(l, 2)
	if err != nil {
		return 0, err
	}
	if n <= -32 || n >= 32 {
		if int32(x) < 0 {
			l.PushInteger(-1)
		} else {
			l.PushInteger(0)
		}
		return 1, nil
	}
	if n >= 0 {
		l.PushInteger(int64(uint32(int32(x) >> n)))
	} else {
		l.PushInteger(int64(shiftLeft32(x, -n)))
	}
	return 1, nil
}

// shiftLeft32 shifts x left by n bits, or right by -n bits if n is negative.
// Shifts of 32 or more bits in either direction produce zero.
func shiftLeft32(x uint32, n int64) uint32 {
	switch {
	case n <= -32 || n >= 32:
		return 0
	case n >= 0:
		return x << uint(n)
	default:
		return x >> uint(-n)
	}
}

func bit32LRotate(l *State) (int, error) {
	x, err := checkBit32(l, 1)
	if err != nil {
		return 0, err
	}
	n, err := CheckInteger(l, 2)
	if err != nil {
		return 0, err
	}
	l.PushInteger(int64(rotateLeft32(x, n)))
	return 1, nil
}

func bit32RRotate(l *State) (int, error) {
	x, err := checkBit32(l, 1)
	if err != nil {
		return 0, err
	}
	n, err := CheckInteger(l, 2)
	if err != nil {
		return 0, err
	}
	l.PushInteger(int64(rotateLeft32(x, -n)))
	return 1, nil
}

func rotateLeft32(x uint32, n int64) uint32 {
	n %= 32
	if n < 0 {
		n += 32
	}
	return x<<uint(n) | x>>uint(32-n)
}

func fieldArgs(l *State, fieldArg, widthArg int) (field, width int, err error) {
	f, err := CheckInteger(l, fieldArg)
	if err != nil {
		return 0, 0, err
	}
	w := int64(1)
	if widthArg != 0 && !l.IsNoneOrNil(widthArg) {
		w, err = CheckInteger(l, widthArg)
		if err != nil {
			return 0, 0, err
		}
	}
	if f < 0 {
		return 0, 0, NewArgError(l, fieldArg, "field cannot be negative")
	}
	if w <= 0 {
		return 0, 0, NewArgError(l, widthArg, "width must be positive")
	}
	if f+w > 32 {
		return 0, 0, fmt.Errorf("%strying to access non-existent bits", Where(l, 1))
	}
	return int(f), int(w), nil
}

func bit32Extract(l *State) (int, error) {
	x, err := checkBit32(l, 1)
	if err != nil {
		return 0, err
	}
	field, width, err := fieldArgs(l, 2, 3)
	if err != nil {
		return 0, err
	}
	mask := uint32(1)<<uint(width) - 1
	l.PushInteger(int64((x >> uint(field)) & mask))
	return 1, nil
}

func bit32Replace(l *State) (int, error) {
	x, err := checkBit32(l, 1)
	if err != nil {
		return 0, err
	}
	v, err := checkBit32(l, 2)
	if err != nil {
		return 0, err
	}
	field, width, err := fieldArgs(l, 3, 4)
	if err != nil {
		return 0, err
	}
	mask := uint32(1)<<uint(width) - 1
	x = x&^(mask<<uint(field)) | (v&mask)<<uint(field)
	l.PushInteger(int64(x))
	return 1, nil
}
