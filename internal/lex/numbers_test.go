// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package lex

import "testing"

type intCase struct {
	literal string
	want    int64
	wantErr bool
}

var integerLiterals = []intCase{
	{literal: "-0x8000000000000001", want: -0x8000000000000000, wantErr: true},
	{literal: "-0x8000000000000000", want: -0x8000000000000000},
	{literal: "-0x7fffffffffffffff", want: -0x7fffffffffffffff},
	{literal: "-1", want: -1},
	{literal: "0", want: 0},
	{literal: "1", want: 1},
	{literal: "3", want: 3},
	{literal: "0xff", want: 0xff},
	{literal: "345", want: 345},
	{literal: "1000000", want: 1000000},
	{literal: "1_000_000", wantErr: true},
	{literal: "0xBEBADA", want: 0xBEBADA},
	{literal: "0x7fffffffffffffff", want: 0x7fffffffffffffff},
	{literal: "0x8000000000000000", want: 0x7fffffffffffffff, wantErr: true},
}

func TestParseInt(t *testing.T) {
	for _, test := range integerLiterals {
		t.Run(test.literal, func(t *testing.T) {
			got, err := ParseInt(test.literal)
			if got != test.want || (err != nil) != test.wantErr {
				t.Errorf("ParseInt(%q) = %d, %v; want %d, error=%t", test.literal, got, err, test.want, test.wantErr)
			}
		})
	}
}

func TestParseNumber(t *testing.T) {
	t.Run("integerLiteralsAlsoParse", func(t *testing.T) {
		// Every valid ParseInt literal is also a valid numeral for
		// ParseNumber, widened to float64.
		for _, test := range integerLiterals {
			if test.wantErr {
				continue
			}
			got, err := ParseNumber(test.literal)
			if want := float64(test.want); got != want || err != nil {
				t.Errorf("ParseNumber(%q) = %g, %v; want %g, <nil>", test.literal, got, err, want)
			}
		}
	})

	tests := []struct {
		literal string
		want    float64
		wantErr bool
	}{
		{literal: "-0x8000000000000001", want: -0x8000000000000001},
		{literal: "-0x8000000000000000", want: -0x8000000000000000},
		{literal: "-0x7fffffffffffffff", want: -0x7fffffffffffffff},
		{literal: "-1.0", want: -1},
		{literal: "0.0", want: 0},
		{literal: "1.0", want: 1},
		{literal: "3.0", want: 3.0},
		{literal: "3.1416", want: 3.1416},
		{literal: "314.16e-2", want: 314.16e-2},
		{literal: "0.31416E1", want: 0.31416e1},
		{literal: "34e1", want: 34e1},
		{literal: "0x0.1E", want: 0x0.1Ep0},
		{literal: "0xA23p-4", want: 0xa23p-4},
		{literal: "0X1.921FB54442D18P+1", want: 0x1.921FB54442D18p+1},
		{literal: "0x1.fp10", want: 1984},
		{literal: "1_000_000", wantErr: true},
		{literal: "0x7fffffffffffffff", want: 0x7fffffffffffffff},
		{literal: "0x8000000000000000", want: 0x8000000000000000},
		{literal: "-inf", wantErr: true},
		{literal: "-INF", wantErr: true},
		{literal: "-infinity", wantErr: true},
		{literal: "-INFINITY", wantErr: true},
		{literal: "inf", wantErr: true},
		{literal: "INF", wantErr: true},
		{literal: "infinity", wantErr: true},
		{literal: "INFINITY", wantErr: true},
		{literal: "nan", wantErr: true},
		{literal: "NaN", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.literal, func(t *testing.T) {
			got, err := ParseNumber(test.literal)
			if got != test.want || (err != nil) != test.wantErr {
				t.Errorf("ParseNumber(%q) = %g, %v; want %g, error=%t", test.literal, got, err, test.want, test.wantErr)
			}
		})
	}
}
