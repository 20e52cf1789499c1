// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package code

import "testing"

func TestValueUnquoted(t *testing.T) {
	tests := []struct {
		name     string
		value    Value
		want     string
		isString bool
	}{
		{"Nil", Value{}, "", false},
		{"False", BoolValue(false), "", false},
		{"True", BoolValue(true), "", false},
		{"PositiveInt", IntegerValue(42), "42", false},
		{"NegativeInt", IntegerValue(-7), "-7", false},
		{"WholeFloat", FloatValue(42), "42.0", false},
		{"FractionalFloat", FloatValue(3.14), "3.14", false},
		{"EmptyString", StringValue(""), "", true},
		{"NonEmptyString", StringValue("abc"), "abc", true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, isString := test.value.Unquoted()
			if got != test.want || isString != test.isString {
				t.Errorf("%v.Unquoted() = %q, %t; want %q, %t", test.value, got, isString, test.want, test.isString)
			}
		})
	}
}
