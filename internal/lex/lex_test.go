// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package lex

import (
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type scanCase struct {
	name    string
	input   string
	want    []Token
	wantErr bool
}

func runScanCase(t *testing.T, tc scanCase) {
	t.Helper()
	sc := NewScanner(strings.NewReader(tc.input))
	var got []Token
	for {
		tok, err := sc.Scan()
		if err != io.EOF {
			got = append(got, tok)
		}
		switch {
		case err == io.EOF && tc.wantErr:
			t.Errorf("scan of %q reached EOF without the expected error", tc.input)
		case err != nil && err != io.EOF && !tc.wantErr:
			t.Errorf("scan of %q: unexpected error: %v", tc.input, err)
		}
		if err != nil {
			break
		}
	}
	if diff := cmp.Diff(tc.want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("scan of %q (-want +got):\n%s", tc.input, diff)
	}
}

func TestScannerIdentifiers(t *testing.T) {
	for _, tc := range []scanCase{
		{name: "bare", input: "foo", want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 1), Value: "foo"},
		}},
		{name: "surroundingSpace", input: "  foo  ", want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 3), Value: "foo"},
		}},
		{name: "keyword", input: "goto", want: []Token{
			{Kind: GotoToken, Position: Pos(1, 1)},
		}},
	} {
		t.Run(tc.name, func(t *testing.T) { runScanCase(t, tc) })
	}
}

func TestScannerNumerals(t *testing.T) {
	for _, input := range []string{
		"3",
		"345",
		"0xff",
		"0xBEBADA",
		"3.0",
		"3.1416",
		"314.16e-2",
		"0.31416E1",
		"34e1",
		"0x0.1E",
		"0xA23p-4",
		"0X1.921FB54442D18P+1",
		"5.",
		".5",
	} {
		t.Run(input, func(t *testing.T) {
			runScanCase(t, scanCase{
				input: input,
				want:  []Token{{Kind: NumeralToken, Position: Pos(1, 1), Value: input}},
			})
		})
	}
}

func TestScannerStrings(t *testing.T) {
	for _, tc := range []scanCase{
		{name: "singleQuoted", input: `a = 'alo\n123"'`, want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 1), Value: "a"},
			{Kind: AssignToken, Position: Pos(1, 3)},
			{Kind: StringToken, Position: Pos(1, 5), Value: "alo\n123\""},
		}},
		{name: "doubleQuoted", input: `a = "alo\n123\""`, want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 1), Value: "a"},
			{Kind: AssignToken, Position: Pos(1, 3)},
			{Kind: StringToken, Position: Pos(1, 5), Value: "alo\n123\""},
		}},
		{name: "longBracket", input: "a = [[alo\n123\"]]", want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 1), Value: "a"},
			{Kind: AssignToken, Position: Pos(1, 3)},
			{Kind: StringToken, Position: Pos(1, 5), Value: "alo\n123\""},
		}},
		{name: "longBracketWithLevel", input: "a = [==[alo\n123\"]==]", want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 1), Value: "a"},
			{Kind: AssignToken, Position: Pos(1, 3)},
			{Kind: StringToken, Position: Pos(1, 5), Value: "alo\n123\""},
		}},
		{name: "unterminatedDoubleQuote", input: `a = "xyz`, want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 1), Value: "a"},
			{Kind: AssignToken, Position: Pos(1, 3)},
			{Kind: ErrorToken, Position: Pos(1, 5)},
		}, wantErr: true},
		{name: "unterminatedSingleQuote", input: `a = 'xyz`, want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 1), Value: "a"},
			{Kind: AssignToken, Position: Pos(1, 3)},
			{Kind: ErrorToken, Position: Pos(1, 5)},
		}, wantErr: true},
		{name: "unescapedNewline", input: "a = 'xyz\nabc'", want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 1), Value: "a"},
			{Kind: AssignToken, Position: Pos(1, 3)},
			{Kind: ErrorToken, Position: Pos(1, 5)},
		}, wantErr: true},
		{name: "unterminatedLongBracket", input: `a = [[xyz`, want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 1), Value: "a"},
			{Kind: AssignToken, Position: Pos(1, 3)},
			{Kind: ErrorToken, Position: Pos(1, 5)},
		}, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) { runScanCase(t, tc) })
	}
}

func TestScannerComments(t *testing.T) {
	for _, tc := range []scanCase{
		{name: "unterminatedLongComment", input: ` --[[ foo`, want: []Token{
			{Kind: ErrorToken, Position: Pos(1, 2)},
		}, wantErr: true},
		{
			name:  "lineComment",
			input: "-- hello comment\ntest\n2 + 2\n",
			want: []Token{
				{Kind: IdentifierToken, Position: Pos(2, 1), Value: "test"},
				{Kind: NumeralToken, Position: Pos(3, 1), Value: "2"},
				{Kind: AddToken, Position: Pos(3, 3)},
				{Kind: NumeralToken, Position: Pos(3, 5), Value: "2"},
			},
		},
		{
			// The closing bracket inside the comment body must not be
			// mistaken for the comment's own terminator.
			name:  "longCommentWithFakeCloser",
			input: "--[=[ hello comment\nfake-out: ]]\n]=]\ntest\n2 + 2\n",
			want: []Token{
				{Kind: IdentifierToken, Position: Pos(4, 1), Value: "test"},
				{Kind: NumeralToken, Position: Pos(5, 1), Value: "2"},
				{Kind: AddToken, Position: Pos(5, 3)},
				{Kind: NumeralToken, Position: Pos(5, 5), Value: "2"},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) { runScanCase(t, tc) })
	}
}

func TestScannerDots(t *testing.T) {
	for _, tc := range []scanCase{
		{name: "one", input: ".", want: []Token{{Kind: DotToken, Position: Pos(1, 1)}}},
		{name: "two", input: "..", want: []Token{{Kind: ConcatToken, Position: Pos(1, 1)}}},
		{name: "three", input: "...", want: []Token{{Kind: VarargToken, Position: Pos(1, 1)}}},
		{name: "four", input: "....", want: []Token{
			{Kind: VarargToken, Position: Pos(1, 1)},
			{Kind: DotToken, Position: Pos(1, 4)},
		}},
		{name: "five", input: ".....", want: []Token{
			{Kind: VarargToken, Position: Pos(1, 1)},
			{Kind: ConcatToken, Position: Pos(1, 4)},
		}},
	} {
		t.Run(tc.name, func(t *testing.T) { runScanCase(t, tc) })
	}
}

func TestScannerColonsAndBrackets(t *testing.T) {
	for _, tc := range []scanCase{
		{name: "colon", input: ":", want: []Token{{Kind: ColonToken, Position: Pos(1, 1)}}},
		{name: "label", input: "::", want: []Token{{Kind: LabelToken, Position: Pos(1, 1)}}},
		{
			// These aren't long-bracket openers; the scanner must back out
			// of the probe and re-emit the consumed bytes as their own
			// tokens.
			name:  "bracketThenAssign",
			input: "[=",
			want: []Token{
				{Kind: LBracketToken, Position: Pos(1, 1)},
				{Kind: AssignToken, Position: Pos(1, 2)},
			},
		},
		{
			name:  "bracketThenEqual",
			input: "[==",
			want: []Token{
				{Kind: LBracketToken, Position: Pos(1, 1)},
				{Kind: EqualToken, Position: Pos(1, 2)},
			},
		},
		{
			name:  "bracketThenEqualThenAssign",
			input: "[===",
			want: []Token{
				{Kind: LBracketToken, Position: Pos(1, 1)},
				{Kind: EqualToken, Position: Pos(1, 2)},
				{Kind: AssignToken, Position: Pos(1, 4)},
			},
		},
		{
			name:  "bracketThenEqualThenIdentifier",
			input: "[===abc",
			want: []Token{
				{Kind: LBracketToken, Position: Pos(1, 1)},
				{Kind: EqualToken, Position: Pos(1, 2)},
				{Kind: AssignToken, Position: Pos(1, 4)},
				{Kind: IdentifierToken, Position: Pos(1, 5), Value: "abc"},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) { runScanCase(t, tc) })
	}
}

func TestScannerExpression(t *testing.T) {
	runScanCase(t, scanCase{
		input: `res = (h >> (32 - floatbits)) % 2^32`,
		want: []Token{
			{Kind: IdentifierToken, Position: Pos(1, 1), Value: "res"},
			{Kind: AssignToken, Position: Pos(1, 5)},
			{Kind: LParenToken, Position: Pos(1, 7)},
			{Kind: IdentifierToken, Position: Pos(1, 8), Value: "h"},
			{Kind: RShiftToken, Position: Pos(1, 10)},
			{Kind: LParenToken, Position: Pos(1, 13)},
			{Kind: NumeralToken, Position: Pos(1, 14), Value: "32"},
			{Kind: SubToken, Position: Pos(1, 17)},
			{Kind: IdentifierToken, Position: Pos(1, 19), Value: "floatbits"},
			{Kind: RParenToken, Position: Pos(1, 28)},
			{Kind: RParenToken, Position: Pos(1, 29)},
			{Kind: ModToken, Position: Pos(1, 31)},
			{Kind: NumeralToken, Position: Pos(1, 33), Value: "2"},
			{Kind: PowToken, Position: Pos(1, 34)},
			{Kind: NumeralToken, Position: Pos(1, 35), Value: "32"},
		},
	})
}

func TestUnquote(t *testing.T) {
	tests := []struct {
		literal string
		want    string
		wantErr bool
	}{
		{literal: `""`, want: ""},
		{literal: `''`, want: ""},
		{literal: `"abc"`, want: "abc"},
		{literal: `'abc'`, want: "abc"},
		// Code points beyond valid Unicode still round-trip through \u{...}.
		{literal: `"\u{110000}"`, want: "\xf4\x90\x80\x80"},
		{literal: `"\u{7FFFFFFF}"`, want: "\xfd\xbf\xbf\xbf\xbf\xbf"},
		{literal: `"\u{80000000}"`, wantErr: true},
	}

	for _, test := range tests {
		got, err := Unquote(test.literal)
		if got != test.want || (err != nil) != test.wantErr {
			t.Errorf("Unquote(%q) = %q, %v; want %q, error=%t", test.literal, got, err, test.want, test.wantErr)
		}
	}
}

func FuzzQuote(f *testing.F) {
	for _, seed := range []string{
		"",
		"abc",
		"Hello, 世界",
		"abc\nxyz",
		"abc\x00xyz",
		"\x00\x01\x023\x05\x009",
		"\x00\xe4\x00b8c\x00",
		"\x7f\x80",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, s string) {
		quoted := Quote(s)
		got, err := Unquote(quoted)
		if got != s || err != nil {
			t.Errorf("Unquote(Quote(%q)) = %q, %v; want %q, <nil> (Quote(...) = %q)", s, got, err, s, quoted)
		}
	})
}
