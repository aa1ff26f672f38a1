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
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"git.sr.ht/~sircmpwn/getopt"
	"github.com/edwingeng/deque"
	"github.com/fatih/color"
	"github.com/tevino/abool/v2"

	"github.com/google/dbgexpr/target"
	"github.com/google/dbgexpr/target/cexpr"
	"github.com/google/dbgexpr/target/cprintf"
)

const usage = `usage: dbgexpr [-t target.toml] [-m model] [-T] [-p format] [-n] [-v] [expr ...]

options:
  -t FILE    load types, memory and variables from a TOML description
  -m MODEL   data model of an empty target: llp64 (default), lp64 or ilp32
  -T         evaluate type declarators instead of expressions
  -p FORMAT  print the comma separated expressions of each line with FORMAT
  -n         no color
  -v         verbose

With no expressions, lines are read from stdin.  Lines may hold several
commands separated by ';'.

commands:
  :type DECL              print a type
  :printf "FORMAT", ARGS  print ARGS like C printf
  :dump EXPR [COUNT]      hex dump the memory at the address of EXPR
  :vars                   list the variables
  :info                   describe the target
`

var (
	targetPath   string
	model        string
	typesMode    bool
	printfFormat string
	verbose      bool
)

var (
	errorColor = color.New(color.FgRed).SprintFunc()
	typeColor  = color.New(color.FgCyan).SprintFunc()
)

type session struct {
	tgt         *target.Target
	printer     cprintf.Printer
	out         io.Writer
	queue       deque.Deque
	interrupted *abool.AtomicBool
	errors      int
}

func newSession(tgt *target.Target, out io.Writer) *session {
	m := tgt.Model()
	return &session{
		tgt:         tgt,
		printer:     cprintf.Printer{LongSize: m.LongSize, PtrSize: m.PtrSize, Mem: tgt},
		out:         out,
		queue:       deque.NewDeque(),
		interrupted: abool.NewBool(false),
	}
}

// push queues the commands of line.
func (s *session) push(line string) {
	for _, cmd := range splitTopLevel(line, ';') {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			s.queue.PushBack(cmd)
		}
	}
}

// drain runs the queued commands.  An interrupt drops the rest of them.
func (s *session) drain() {
	for !s.queue.Empty() {
		if s.interrupted.IsSet() {
			s.interrupted.UnSet()
			fmt.Fprintf(s.out, "interrupted, %d commands dropped\n", s.queue.Len())
			s.queue = deque.NewDeque()
			return
		}
		cmd := s.queue.PopFront().(string)
		if err := s.run(cmd); err != nil {
			s.errors++
			s.report(cmd, err)
		}
	}
}

func (s *session) report(cmd string, err error) {
	var e *cexpr.Error
	if errors.As(err, &e) && e.Pos >= 0 && e.Pos <= len(cmd) {
		fmt.Fprintln(s.out, "  "+cmd)
		fmt.Fprintln(s.out, "  "+strings.Repeat(" ", e.Pos)+"^")
	}
	fmt.Fprintln(s.out, errorColor(err.Error()))
}

func (s *session) run(cmd string) error {
	if !strings.HasPrefix(cmd, ":") {
		switch {
		case typesMode:
			return s.printType(cmd)
		case printfFormat != "":
			return s.printf(printfFormat, cmd)
		default:
			return s.printExpr(cmd)
		}
	}

	name, rest, _ := strings.Cut(cmd[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "type":
		return s.printType(rest)
	case "printf":
		if !strings.HasPrefix(rest, `"`) {
			return errors.New(`:printf needs a quoted format`)
		}
		quoted, err := strconv.QuotedPrefix(rest)
		if err != nil {
			return fmt.Errorf(":printf format: %w", err)
		}
		format, _ := strconv.Unquote(quoted)
		args := strings.TrimSpace(rest[len(quoted):])
		if args != "" {
			if !strings.HasPrefix(args, ",") {
				return errors.New(":printf arguments must follow a comma")
			}
			args = args[1:]
		}
		return s.printf(format, args)
	case "dump":
		return s.dump(rest)
	case "vars":
		return s.printVars()
	case "info":
		return s.printInfo()
	case "help":
		fmt.Fprint(s.out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command :%s", name)
	}
}

func (s *session) printExpr(expr string) error {
	v, err := s.tgt.EvalExpr(expr)
	if err != nil {
		return err
	}
	if verbose && v.Variable() != nil {
		log.Printf("%s is a %s at 0x%x", expr, v.Type().Name(), v.Variable().Address())
	}
	fmt.Fprintln(s.out, s.format(v, ""))
	return nil
}

// format renders v, with the members of a struct on following lines.
func (s *session) format(v cexpr.Value, indent string) string {
	t := v.Type()
	head := typeColor("("+t.Name()+")") + v.String()
	switch t.Kind() {
	case cexpr.KindEnum:
		if name, ok := enumerator(v); ok {
			head += " " + name
		}
	case cexpr.KindStruct:
		if v.Variable() == nil {
			break
		}
		var b strings.Builder
		b.WriteString(head)
		for i := 0; i < t.FieldCount(); i++ {
			name, _, err := t.FieldAt(i)
			if err != nil {
				continue
			}
			fv, err := member(v, name)
			if err != nil {
				fmt.Fprintf(&b, "\n%s  %s: %s", indent, name, errorColor(err.Error()))
				continue
			}
			fmt.Fprintf(&b, "\n%s  %s: %s", indent, name, s.format(fv, indent+"  "))
		}
		return b.String()
	}
	return head
}

// member returns a data member of a live struct, or the value of a
// static one.
func member(v cexpr.Value, name string) (cexpr.Value, error) {
	if fv, err := v.Variable().Field(name); err == nil {
		return cexpr.VarValue(fv), nil
	}
	ft, err := v.Type().Field(name)
	if err != nil {
		return cexpr.Value{}, err
	}
	return ft.Value()
}

// enumerator names the value of an enum, if it has a name.
func enumerator(v cexpr.Value) (string, bool) {
	n, err := v.Numeric()
	if err != nil {
		return "", false
	}
	t := v.Type()
	for i := 0; i < t.FieldCount(); i++ {
		name, c, err := t.FieldAt(i)
		if err != nil {
			continue
		}
		cv, err := c.Value()
		if err != nil {
			continue
		}
		if m, err := cv.Numeric(); err == nil && m == n {
			return name, true
		}
	}
	return "", false
}

func (s *session) printType(decl string) error {
	t, err := s.tgt.EvalType(decl)
	if err != nil {
		return err
	}
	spelling, err := s.tgt.TypeSpelling(decl)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s %s, %d bytes\n", spelling, typeColor("("+t.Name()+")"), t.Size())
	if t.Kind() != cexpr.KindStruct && t.Kind() != cexpr.KindEnum {
		return nil
	}
	for i := 0; i < t.FieldCount(); i++ {
		name, ft, err := t.FieldAt(i)
		if err != nil {
			return err
		}
		if v, err := ft.Value(); err == nil {
			fmt.Fprintf(s.out, "  %s = %s\n", name, v)
			continue
		}
		fmt.Fprintf(s.out, "  %s %s\n", typeColor(ft.Name()), name)
	}
	return nil
}

func (s *session) printf(format, args string) error {
	var values []cexpr.Value
	for _, a := range splitTopLevel(args, ',') {
		if strings.TrimSpace(a) == "" {
			continue
		}
		v, err := s.tgt.EvalExpr(a)
		if err != nil {
			return err
		}
		values = append(values, v)
	}
	out, err := s.printer.Sprintf(format, values)
	if err != nil {
		return err
	}
	fmt.Fprint(s.out, out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Fprintln(s.out)
	}
	return nil
}

func (s *session) dump(args string) error {
	parts := splitTopLevel(args, ' ')
	count := 0
	if len(parts) > 1 {
		n, err := strconv.ParseUint(parts[len(parts)-1], 0, 16)
		if err == nil {
			count = int(n)
			args = strings.Join(parts[:len(parts)-1], " ")
		}
	}
	v, err := s.tgt.EvalExpr(args)
	if err != nil {
		return err
	}
	addr, err := v.Address()
	if err != nil {
		return err
	}
	if count == 0 {
		count = v.Type().Size()
	}
	d, err := s.tgt.Memory().Dump(addr, count)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "0x%x:\n%s", addr, d)
	return nil
}

func (s *session) printVars() error {
	for _, nv := range s.tgt.Variables() {
		where := "constant"
		if v := nv.Value.Variable(); v != nil {
			where = fmt.Sprintf("at 0x%x", v.Address())
		}
		val := nv.Value.String()
		if k := nv.Value.Type().Kind(); k == cexpr.KindStruct || k == cexpr.KindArray {
			val = ""
		}
		fmt.Fprintf(s.out, "%s %s %s %s\n", typeColor(nv.Value.Type().Name()), nv.Name, where, val)
	}
	return nil
}

func (s *session) printInfo() error {
	m := s.tgt.Model()
	fmt.Fprintf(s.out, "model:       %s (pointer %d, long %d)\n", m.Name, m.PtrSize, m.LongSize)
	fp := s.tgt.Fingerprint()
	if fp == "" {
		fp = "none"
	}
	fmt.Fprintf(s.out, "fingerprint: %s\n", fp)
	fmt.Fprintf(s.out, "types:       %d\n", len(s.tgt.TypeNames()))
	fmt.Fprintf(s.out, "variables:   %d\n", len(s.tgt.Variables()))
	fmt.Fprintf(s.out, "memory:      %d bytes\n", s.tgt.Memory().Size())
	return nil
}

// splitTopLevel splits s at sep outside of quotes, parentheses, brackets
// and template arguments.  A '<' that is never closed was a comparison, so
// s is split again without counting angles.  A space separator splits on
// runs of blanks.
func splitTopLevel(s string, sep byte) []string {
	ret, open := splitOnce(s, sep, true)
	if open {
		ret, _ = splitOnce(s, sep, false)
	}
	if sep == ' ' {
		var fields []string
		for _, f := range ret {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		return fields
	}
	return ret
}

// splitOnce reports whether a '<' was left open at the end of s.
func splitOnce(s string, sep byte, angles bool) ([]string, bool) {
	var ret []string
	depth, angle := 0, 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case angles && c == '<':
			angle++
		case angles && c == '>' && angle > 0 && (i == 0 || s[i-1] != '-'):
			angle--
		case c == sep && depth == 0 && angle == 0:
			ret = append(ret, s[start:i])
			start = i + 1
		}
	}
	return append(ret, s[start:]), angle > 0
}

func loadTarget() (*target.Target, error) {
	if targetPath == "" {
		return target.New(model)
	}
	tgt, err := target.Load(target.NewLocalFileProvider(""), targetPath)
	if err != nil {
		return nil, err
	}
	if model != "" {
		m, err := target.LookupModel(model)
		if err != nil {
			return nil, err
		}
		if m.Name != tgt.Model().Name {
			return nil, fmt.Errorf("%s is %s, not %s", targetPath, tgt.Model().Name, m.Name)
		}
	}
	return tgt, nil
}

func do_main() error {
	log.SetPrefix("dbgexpr: ")
	log.SetFlags(0)

	opts, optind, err := getopt.Getopts(os.Args, "t:m:Tp:nvh")
	if err != nil {
		log.Fatalln(err)
	}
	for _, opt := range opts {
		switch opt.Option {
		case 't':
			targetPath = opt.Value
		case 'm':
			model = opt.Value
		case 'T':
			typesMode = true
		case 'p':
			printfFormat = opt.Value
			// shells pass \n and friends through verbatim
			if f, err := strconv.Unquote(`"` + opt.Value + `"`); err == nil {
				printfFormat = f
			}
		case 'n':
			color.NoColor = true
		case 'v':
			verbose = true
		case 'h':
			fmt.Print(usage)
			return nil
		}
	}
	args := os.Args[optind:]

	tgt, err := loadTarget()
	if err != nil {
		return err
	}
	if verbose {
		log.Printf("model %s, fingerprint %q, %d types", tgt.Model().Name, tgt.Fingerprint(), len(tgt.TypeNames()))
	}

	s := newSession(tgt, os.Stdout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		for range sigCh {
			s.interrupted.Set()
		}
	}()

	if len(args) > 0 {
		if printfFormat != "" && !typesMode {
			s.queue.PushBack(strings.Join(args, ", "))
		} else {
			for _, a := range args {
				s.queue.PushBack(a)
			}
		}
		s.drain()
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			s.push(scanner.Text())
			s.drain()
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}

	if s.errors > 0 {
		return fmt.Errorf("%d commands failed", s.errors)
	}
	return nil
}

func main() {
	err := do_main()
	if err != nil {
		fmt.Println(errorColor(err.Error()))
		os.Exit(1)
	}
}
