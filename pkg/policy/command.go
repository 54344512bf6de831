package policy

import (
	"errors"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

const maxNesting = 4

// call is one simple command with its wrappers and leading assignments peeled off.
type call struct {
	verb     string
	args     []string
	wrappers []string
}

type redirect struct {
	output bool
	target string
}

// script is what a command line would run, as far as static parsing can tell.
type script struct {
	calls     []call
	redirects []redirect
	assigned  []string
	dynamic   bool
}

func parseScript(command string) (script, error) {
	var s script
	err := s.add(command, 0)
	return s, err
}

func (s *script) add(src string, depth int) error {
	if depth > maxNesting {
		return errors.New("command nests too deeply")
	}
	f, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(src), "")
	if err != nil {
		return err
	}
	var nested []string
	syntax.Walk(f, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CmdSubst, *syntax.ProcSubst:
			s.dynamic = true
		case *syntax.Assign:
			if n.Name != nil {
				s.assigned = append(s.assigned, n.Name.Value)
			}
		case *syntax.CallExpr:
			c, env, inner := resolveCall(n.Args)
			s.assigned = append(s.assigned, env...)
			nested = append(nested, inner...)
			if c.verb != "" {
				s.calls = append(s.calls, c)
			}
		case *syntax.Redirect:
			switch n.Op {
			case syntax.Hdoc, syntax.DashHdoc, syntax.WordHdoc:
				return true
			}
			s.redirects = append(s.redirects, redirect{output: isOutput(n.Op), target: wordText(n.Word)})
		}
		return true
	})
	for _, src := range nested {
		if err := s.add(src, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func isOutput(op syntax.RedirOperator) bool {
	switch op {
	case syntax.RdrOut, syntax.AppOut, syntax.RdrInOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll, syntax.DplOut:
		return true
	}
	return false
}

type wrapper struct {
	valueFlags string
	positional int
}

// wrappers run their operand as another program.
var wrappers = map[string]wrapper{
	"builtin": {},
	"command": {},
	"doas":    {valueFlags: "uC"},
	"env":     {valueFlags: "uCS"},
	"exec":    {valueFlags: "a"},
	"ionice":  {valueFlags: "cnp"},
	"nice":    {valueFlags: "n"},
	"nohup":   {},
	"setsid":  {},
	"stdbuf":  {valueFlags: "ioe"},
	"sudo":    {valueFlags: "ugChpUrtD"},
	"time":    {valueFlags: "fo"},
	"timeout": {valueFlags: "sk", positional: 1},
	"xargs":   {valueFlags: "IdEnLPsa"},
}

var shells = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "dash": {}, "ksh": {},
}

// resolveCall returns the program a call ends up running, the variables it sets
// for that program and any inline scripts it would evaluate.
func resolveCall(words []*syntax.Word) (call, []string, []string) {
	args := make([]string, 0, len(words))
	for _, w := range words {
		args = append(args, wordText(w))
	}
	var (
		c      call
		env    []string
		nested []string
	)
	for len(args) > 0 {
		name := filepath.Base(args[0])
		w, ok := wrappers[name]
		if !ok {
			break
		}
		c.wrappers = append(c.wrappers, name)
		var split []string
		args, split = w.strip(args[1:])
		nested = append(nested, split...)
		for len(args) > 0 && isAssignment(args[0]) {
			env = append(env, args[0][:strings.IndexByte(args[0], '=')])
			args = args[1:]
		}
	}
	if len(args) == 0 {
		return c, env, nested
	}
	c.verb = filepath.Base(args[0])
	c.args = args[1:]
	switch {
	case c.verb == "eval":
		nested = append(nested, strings.Join(c.args, " "))
	case isShell(c.verb):
		if src, ok := inlineScript(c.args); ok {
			nested = append(nested, src)
		}
	}
	return c, env, nested
}

// strip drops the wrapper's own options. env -S carries a whole command line,
// which is returned for separate parsing.
func (w wrapper) strip(args []string) (rest, split []string) {
	for len(args) > 0 {
		a := args[0]
		if a == "--" {
			args = args[1:]
			break
		}
		if a == "-" {
			args = args[1:]
			continue
		}
		if !strings.HasPrefix(a, "-") {
			break
		}
		args = args[1:]
		if strings.HasPrefix(a, "--") {
			if v, ok := strings.CutPrefix(a, "--split-string="); ok {
				split = append(split, v)
			}
			continue
		}
		flags := a[1:]
		for i, r := range flags {
			if !strings.ContainsRune(w.valueFlags, r) {
				continue
			}
			value := flags[i+1:]
			if value == "" && len(args) > 0 {
				value = args[0]
				args = args[1:]
			}
			if r == 'S' {
				split = append(split, value)
			}
			break
		}
	}
	for i := 0; i < w.positional && len(args) > 0; i++ {
		args = args[1:]
	}
	return args, split
}

func isShell(verb string) bool {
	_, ok := shells[verb]
	return ok
}

func inlineScript(args []string) (string, bool) {
	for i, a := range args {
		if !strings.HasPrefix(a, "-") || strings.HasPrefix(a, "--") {
			return "", false
		}
		if strings.ContainsRune(a, 'c') && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

// wordText renders a word the way the shell would pass it, minus expansion:
// quotes and escapes are removed and parameters are kept as $NAME.
func wordText(w *syntax.Word) string {
	if w == nil {
		return ""
	}
	var b strings.Builder
	writeParts(&b, w.Parts, false)
	return b.String()
}

func writeParts(b *strings.Builder, parts []syntax.WordPart, quoted bool) {
	for _, part := range parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(unescape(p.Value, quoted))
		case *syntax.SglQuoted:
			if p.Dollar {
				if s, err := expand.Literal(nil, &syntax.Word{Parts: []syntax.WordPart{p}}); err == nil {
					b.WriteString(s)
					continue
				}
			}
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			writeParts(b, p.Parts, true)
		case *syntax.ParamExp:
			if p.Param != nil {
				b.WriteString("$" + p.Param.Value)
			}
		default:
			b.WriteString("$()")
		}
	}
}

func unescape(s string, quoted bool) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		next := s[i+1]
		switch {
		case next == '\n':
			i++
		case !quoted || strings.IndexByte("$`\"\\", next) >= 0:
			b.WriteByte(next)
			i++
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func isAssignment(field string) bool {
	eq := strings.IndexByte(field, '=')
	if eq <= 0 {
		return false
	}
	for i, r := range field[:eq] {
		if !(r == '_' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || i > 0 && r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
