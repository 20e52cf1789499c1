// Copyright (C) 1994-2024 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package code

import "testing"

// checkExhaustive fails t if any operator value in [0, max] has no matching
// entry in got, catching a new operator constant that was added without a
// corresponding test case.
func checkExhaustive[Op ~int](t *testing.T, name string, max Op, got func(Op) bool) {
	t.Helper()
	for op := Op(0); op <= max; op++ {
		if !got(op) {
			t.Errorf("%s is missing test for %v", name, op)
		}
	}
}

func TestUnaryOperatorToOpCode(t *testing.T) {
	tests := []struct {
		op   unaryOp
		want OpCode
		ok   bool
	}{
		{unaryOpNone, maxOpCode + 1, false},
		{unaryOpMinus, OpUnM, true},
		{unaryOpBNot, OpBNot, true},
		{unaryOpNot, OpNot, true},
		{unaryOpLen, OpLen, true},
	}

	for _, test := range tests {
		got, ok := test.op.toOpCode()
		if got != test.want || ok != test.ok {
			t.Errorf("%v.toOpCode() = %v, %t; want %v, %t", test.op, got, ok, test.want, test.ok)
		}
	}

	checkExhaustive(t, "TestUnaryOperatorToOpCode", numUnaryOperators, func(op unaryOp) bool {
		for _, test := range tests {
			if test.op == op {
				return true
			}
		}
		return false
	})
}

func TestBinaryOperatorToOpCode(t *testing.T) {
	type opCodeCase struct {
		op   binaryOp
		want OpCode
		ok   bool
	}

	tests := []struct {
		base  OpCode
		cases []opCodeCase
	}{
		{
			base: OpAdd,
			cases: []opCodeCase{
				{binaryOpNone, maxOpCode + 1, false},

				{binaryOpAdd, OpAdd, true},
				{binaryOpSub, OpSub, true},
				{binaryOpMul, OpMul, true},
				{binaryOpMod, OpMod, true},
				{binaryOpPow, OpPow, true},
				{binaryOpDiv, OpDiv, true},
				{binaryOpIDiv, OpIDiv, true},
				{binaryOpBAnd, OpBAnd, true},
				{binaryOpBOr, OpBOr, true},
				{binaryOpBXor, OpBXor, true},
				{binaryOpShiftL, OpShl, true},
				{binaryOpShiftR, OpShr, true},
				{binaryOpConcat, OpConcat, true},

				{binaryOpEq, maxOpCode + 1, false},
				{binaryOpLT, maxOpCode + 1, false},
				{binaryOpLE, maxOpCode + 1, false},
				{binaryOpNE, maxOpCode + 1, false},
				{binaryOpGT, maxOpCode + 1, false},
				{binaryOpGE, maxOpCode + 1, false},
				{binaryOpAnd, maxOpCode + 1, false},
				{binaryOpOr, maxOpCode + 1, false},
			},
		},
		{
			base: OpAddK,
			cases: []opCodeCase{
				{binaryOpNone, maxOpCode + 1, false},

				{binaryOpAdd, OpAddK, true},
				{binaryOpSub, OpSubK, true},
				{binaryOpMul, OpMulK, true},
				{binaryOpMod, OpModK, true},
				{binaryOpPow, OpPowK, true},
				{binaryOpDiv, OpDivK, true},
				{binaryOpIDiv, OpIDivK, true},
				{binaryOpBAnd, OpBAndK, true},
				{binaryOpBOr, OpBOrK, true},
				{binaryOpBXor, OpBXorK, true},

				{binaryOpShiftL, maxOpCode + 1, false},
				{binaryOpShiftR, maxOpCode + 1, false},
				{binaryOpConcat, maxOpCode + 1, false},
				{binaryOpEq, maxOpCode + 1, false},
				{binaryOpLT, maxOpCode + 1, false},
				{binaryOpLE, maxOpCode + 1, false},
				{binaryOpNE, maxOpCode + 1, false},
				{binaryOpGT, maxOpCode + 1, false},
				{binaryOpGE, maxOpCode + 1, false},
				{binaryOpAnd, maxOpCode + 1, false},
				{binaryOpOr, maxOpCode + 1, false},
			},
		},
		{
			base: OpLT,
			cases: []opCodeCase{
				{binaryOpNone, maxOpCode + 1, false},
				{binaryOpAdd, maxOpCode + 1, false},
				{binaryOpSub, maxOpCode + 1, false},
				{binaryOpMul, maxOpCode + 1, false},
				{binaryOpMod, maxOpCode + 1, false},
				{binaryOpPow, maxOpCode + 1, false},
				{binaryOpDiv, maxOpCode + 1, false},
				{binaryOpIDiv, maxOpCode + 1, false},
				{binaryOpBAnd, maxOpCode + 1, false},
				{binaryOpBOr, maxOpCode + 1, false},
				{binaryOpBXor, maxOpCode + 1, false},
				{binaryOpShiftL, maxOpCode + 1, false},
				{binaryOpShiftR, maxOpCode + 1, false},
				{binaryOpConcat, maxOpCode + 1, false},
				{binaryOpEq, maxOpCode + 1, false},

				{binaryOpLT, OpLT, true},
				{binaryOpLE, OpLE, true},
				{binaryOpNE, maxOpCode + 1, false},
				{binaryOpGT, maxOpCode + 1, false},
				{binaryOpGE, maxOpCode + 1, false},

				{binaryOpAnd, maxOpCode + 1, false},
				{binaryOpOr, maxOpCode + 1, false},
			},
		},
		{
			base: OpLTI,
			cases: []opCodeCase{
				{binaryOpNone, maxOpCode + 1, false},
				{binaryOpAdd, maxOpCode + 1, false},
				{binaryOpSub, maxOpCode + 1, false},
				{binaryOpMul, maxOpCode + 1, false},
				{binaryOpMod, maxOpCode + 1, false},
				{binaryOpPow, maxOpCode + 1, false},
				{binaryOpDiv, maxOpCode + 1, false},
				{binaryOpIDiv, maxOpCode + 1, false},
				{binaryOpBAnd, maxOpCode + 1, false},
				{binaryOpBOr, maxOpCode + 1, false},
				{binaryOpBXor, maxOpCode + 1, false},
				{binaryOpShiftL, maxOpCode + 1, false},
				{binaryOpShiftR, maxOpCode + 1, false},
				{binaryOpConcat, maxOpCode + 1, false},
				{binaryOpEq, maxOpCode + 1, false},

				{binaryOpLT, OpLTI, true},
				{binaryOpLE, OpLEI, true},
				{binaryOpNE, maxOpCode + 1, false},
				{binaryOpGT, OpGTI, true},
				{binaryOpGE, OpGEI, true},

				{binaryOpAnd, maxOpCode + 1, false},
				{binaryOpOr, maxOpCode + 1, false},
			},
		},
	}

	for _, suite := range tests {
		for _, test := range suite.cases {
			got, ok := test.op.toOpCode(suite.base)
			if got != test.want || ok != test.ok {
				t.Errorf("%v.toOpCode(%v) = %v, %t; want %v, %t", test.op, suite.base, got, ok, test.want, test.ok)
			}
		}
	}

	for _, suite := range tests {
		checkExhaustive(t, "TestBinaryOperatorToOpCode", numBinaryOperators, func(op binaryOp) bool {
			for _, test := range suite.cases {
				if test.op == op {
					return true
				}
			}
			return false
		})
	}
}

func TestBinaryOperatorToArithmetic(t *testing.T) {
	tests := []struct {
		op   binaryOp
		want ArithmeticOperator
		ok   bool
	}{
		{binaryOpNone, 0, false},

		{binaryOpAdd, Add, true},
		{binaryOpSub, Subtract, true},
		{binaryOpMul, Multiply, true},
		{binaryOpMod, Modulo, true},
		{binaryOpPow, Power, true},
		{binaryOpDiv, Divide, true},
		{binaryOpIDiv, IntegerDivide, true},
		{binaryOpBAnd, BitwiseAnd, true},
		{binaryOpBOr, BitwiseOr, true},
		{binaryOpBXor, BitwiseXOR, true},
		{binaryOpShiftL, ShiftLeft, true},
		{binaryOpShiftR, ShiftRight, true},

		{binaryOpConcat, 0, false},
		{binaryOpEq, 0, false},
		{binaryOpLT, 0, false},
		{binaryOpLE, 0, false},
		{binaryOpNE, 0, false},
		{binaryOpGT, 0, false},
		{binaryOpGE, 0, false},
		{binaryOpAnd, 0, false},
		{binaryOpOr, 0, false},
	}

	for _, test := range tests {
		got, ok := test.op.toArithmetic()
		if got != test.want || ok != test.ok {
			t.Errorf("%v.toArithmetic() = %v, %t; want %v, %t", test.op, got, ok, test.want, test.ok)
		}
	}

	checkExhaustive(t, "TestBinaryOperatorToArithmetic", numBinaryOperators, func(op binaryOp) bool {
		for _, test := range tests {
			if test.op == op {
				return true
			}
		}
		return false
	})
}

func TestBinaryOperatorTagMethod(t *testing.T) {
	tests := []struct {
		op   binaryOp
		want TagMethod
		ok   bool
	}{
		{binaryOpNone, 0, false},

		{binaryOpAdd, TagMethodAdd, true},
		{binaryOpSub, TagMethodSub, true},
		{binaryOpMul, TagMethodMul, true},
		{binaryOpMod, TagMethodMod, true},
		{binaryOpPow, TagMethodPow, true},
		{binaryOpDiv, TagMethodDiv, true},
		{binaryOpIDiv, TagMethodIDiv, true},
		{binaryOpBAnd, TagMethodBAnd, true},
		{binaryOpBOr, TagMethodBOr, true},
		{binaryOpBXor, TagMethodBXor, true},
		{binaryOpShiftL, TagMethodSHL, true},
		{binaryOpShiftR, TagMethodSHR, true},
		{binaryOpConcat, TagMethodConcat, true},

		{binaryOpEq, 0, false},
		{binaryOpLT, 0, false},
		{binaryOpLE, 0, false},
		{binaryOpNE, 0, false},
		{binaryOpGT, 0, false},
		{binaryOpGE, 0, false},
		{binaryOpAnd, 0, false},
		{binaryOpOr, 0, false},
	}

	for _, test := range tests {
		got, ok := test.op.tagMethod()
		if got != test.want || ok != test.ok {
			t.Errorf("%v.tagMethod() = %v, %t; want %v, %t", test.op, got, ok, test.want, test.ok)
		}
	}

	checkExhaustive(t, "TestBinaryOperatorTagMethod", numBinaryOperators, func(op binaryOp) bool {
		for _, test := range tests {
			if test.op == op {
				return true
			}
		}
		return false
	})
}