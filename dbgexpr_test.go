// Copyright 2014 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"encoding/hex"
	"reflect"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/google/dbgexpr/target"
)

const testDescription = `
[[enum]]
name = "Color"
[[enum.member]]
name = "Red"
[[enum.member]]
name = "Green"

[[struct]]
name = "POINT"
[[struct.field]]
name = "x"
type = "LONG"
[[struct.field]]
name = "y"
type = "LONG"
[[struct.field]]
name = "dims"
type = "int"
static = "2"

[[memory]]
address = 0x1000
bytes = "03000000 fcffffff 01000000 6869 00"

[[variable]]
name = "pt"
type = "POINT"
address = 0x1000

[[variable]]
name = "col"
type = "Color"
address = 0x1008

[[variable]]
name = "name"
type = "char[3]"
address = 0x100c
`

func newTestSession(t *testing.T) (*session, *bytes.Buffer) {
	t.Helper()
	color.NoColor = true
	tgt, err := target.Parse([]byte(testDescription))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	return newSession(tgt, &out), &out
}

var sessionTests = []struct {
	in  string
	out string
}{
	{"1 + 2", "(Int4B)3\n"},
	{"pt.y", "(Int4B)-4\n"},
	{"col", "(Color)1 Green\n"},
	{"Color::Red", "(Color)0 Red\n"},
	{"pt", "(POINT)POINT at 0x1000\n  x: (Int4B)3\n  y: (Int4B)-4\n  dims: (Int4B)2\n"},
	{"1; 2", "(Int4B)1\n(Int4B)2\n"},
	{":type DWORD const *", "const DWORD * (UInt4B*), 8 bytes\n"},
	{":type POINT", "POINT (POINT), 8 bytes\n  Int4B x\n  Int4B y\n  dims = 2\n"},
	{":type Color", "Color (Color), 4 bytes\n  Red = 0\n  Green = 1\n"},
	{`:printf "%d,%s", pt.x, name`, "3,hi\n"},
	{`:printf "(%d; %d)\n", pt.x, (pt.y + 11)`, "(3; 7)\n"},
	{`:printf "none"`, "none\n"},
	{":vars", "POINT pt at 0x1000 \nColor col at 0x1008 1\nChar[3] name at 0x100c \n"},
	{":dump name", "0x100c:\n" + hex.Dump([]byte("hi\x00"))},
	{":dump pt 4", "0x1000:\n" + hex.Dump([]byte{3, 0, 0, 0})},
}

func TestSession(t *testing.T) {
	for _, test := range sessionTests {
		s, out := newTestSession(t)
		s.push(test.in)
		s.drain()
		if s.errors != 0 || out.String() != test.out {
			t.Errorf("%q: got %d errors and\n%s\nwant\n%s", test.in, s.errors, out.String(), test.out)
		}
	}
}

var sessionErrorTests = []struct {
	in  string
	out string
}{
	{"1 +", "syntax error"},
	{"pt.z", "no member z"},
	{":nothing", "unknown command :nothing"},
	{":printf 1", "quoted format"},
	{`:printf "%d" 1`, "follow a comma"},
	{`:printf "%d %d", 1`, "not enough arguments"},
	{":dump 1", "no address"},
	{":dump *(int *)0x5000", "bad address"},
}

func TestSessionErrors(t *testing.T) {
	for _, test := range sessionErrorTests {
		s, out := newTestSession(t)
		s.push(test.in)
		s.drain()
		if s.errors != 1 || !strings.Contains(out.String(), test.out) {
			t.Errorf("%q: got %d errors and %q, want %q", test.in, s.errors, out.String(), test.out)
		}
	}
}

func TestErrorCaret(t *testing.T) {
	s, out := newTestSession(t)
	s.push("1 + )")
	s.drain()
	lines := strings.Split(out.String(), "\n")
	if len(lines) < 3 || lines[0] != "  1 + )" || strings.TrimSpace(lines[1]) != "^" {
		t.Errorf("got %q", out.String())
	}
}

func TestInterrupt(t *testing.T) {
	s, out := newTestSession(t)
	s.push("1; 2; 3")
	s.interrupted.Set()
	s.drain()
	if out.String() != "interrupted, 3 commands dropped\n" || !s.queue.Empty() {
		t.Errorf("got %q", out.String())
	}
	s.push("4")
	s.drain()
	if !strings.HasSuffix(out.String(), "(Int4B)4\n") {
		t.Errorf("after interrupt: got %q", out.String())
	}
}

func TestSplitTopLevel(t *testing.T) {
	tests := []struct {
		in   string
		sep  byte
		want []string
	}{
		{"a, b", ',', []string{"a", " b"}},
		{"f(a, b), c", ',', []string{"f(a, b)", " c"}},
		{"x[1,2], ','", ',', []string{"x[1,2]", " ','"}},
		{`"a;b"; c`, ';', []string{`"a;b"`, " c"}},
		{`'\''; c`, ';', []string{`'\''`, " c"}},
		{"a  (b c)  8", ' ', []string{"a", "(b c)", "8"}},
		{"sizeof(foo<int,int>), 2", ',', []string{"sizeof(foo<int,int>)", " 2"}},
		{"Array<int,2>::size, 1", ',', []string{"Array<int,2>::size", " 1"}},
		{"Map<int,Pair<int,char>>::n, p->x", ',', []string{"Map<int,Pair<int,char>>::n", " p->x"}},
		{"a < b, c", ',', []string{"a < b", " c"}},
		{"a > b, c < d", ',', []string{"a > b", " c < d"}},
	}
	for _, test := range tests {
		if got := splitTopLevel(test.in, test.sep); !reflect.DeepEqual(got, test.want) {
			t.Errorf("%q: got %q, want %q", test.in, got, test.want)
		}
	}
}
