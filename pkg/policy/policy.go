// Package policy answers "may this privileged action proceed" for the gateway.
//
// Decide is a pure function of the action, the current runtime flags and the static
// rule set; it never panics and always returns a reason. Enforcement is separate:
// AssertAllowed turns a deny decision into a *DeniedError so callers can log or
// display the decision before failing.
package policy

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type Kind string

const (
	KindFSRead       Kind = "fs:read"
	KindFSWrite      Kind = "fs:write"
	KindFSDelete     Kind = "fs:delete"
	KindTerminalExec Kind = "terminal:exec"
	KindNetRequest   Kind = "net:request"
)

// Action is the closed set of privileged actions the engine rules on.
type Action interface {
	Kind() Kind
	sealed()
}

type FSRead struct{ Path string }
type FSWrite struct{ Path string }
type FSDelete struct{ Path string }
type NetRequest struct{ URL string }

// TerminalExec is a command line together with the directory and extra
// environment it would run with.
type TerminalExec struct {
	Command string
	Cwd     string
	Env     map[string]string
}

func (FSRead) Kind() Kind       { return KindFSRead }
func (FSWrite) Kind() Kind      { return KindFSWrite }
func (FSDelete) Kind() Kind     { return KindFSDelete }
func (TerminalExec) Kind() Kind { return KindTerminalExec }
func (NetRequest) Kind() Kind   { return KindNetRequest }

func (FSRead) sealed()       {}
func (FSWrite) sealed()      {}
func (FSDelete) sealed()     {}
func (TerminalExec) sealed() {}
func (NetRequest) sealed()   {}

type Flags struct {
	Offline  bool `json:"offline"`
	SafeMode bool `json:"safeMode"`
}

// Update carries the fields the control surface may change; nil leaves a field
// unchanged. Safe mode is operator configuration and is not among them.
type Update struct {
	Offline *bool `json:"offline,omitempty"`
}

type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

var ErrPolicyDenied = errors.New("policy denied")

type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return e.Reason }

func (e *DeniedError) Is(target error) bool { return target == ErrPolicyDenied }

// AssertAllowed enforces a decision computed by Decide.
func AssertAllowed(d Decision) error {
	if d.Allow {
		return nil
	}
	reason := strings.TrimSpace(d.Reason)
	if reason == "" {
		reason = "denied: no reason given"
	}
	return &DeniedError{Reason: reason}
}

func allow(reason string) Decision { return Decision{Allow: true, Reason: reason} }

func deny(format string, args ...any) Decision {
	return Decision{Allow: false, Reason: "denied: " + fmt.Sprintf(format, args...)}
}

type Engine struct {
	mu         sync.RWMutex
	flags      Flags
	configSafe bool
	rules      compiled
}

func NewEngine(flags Flags, rules Rules) (*Engine, error) {
	c, err := compile(rules)
	if err != nil {
		return nil, err
	}
	e := &Engine{flags: flags, configSafe: flags.SafeMode, rules: c}
	e.flags.SafeMode = e.configSafe || flags.Offline
	return e, nil
}

func (e *Engine) Get() Flags {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flags
}

// Set applies u and returns the resulting flags. Safe mode is on while offline
// and otherwise follows the configured value.
func (e *Engine) Set(u Update) Flags {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u.Offline != nil {
		e.flags.Offline = *u.Offline
	}
	e.flags.SafeMode = e.configSafe || e.flags.Offline
	return e.flags
}

func (e *Engine) Rules() Rules {
	return e.rules.source
}

func (e *Engine) Decide(a Action) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			d = deny("internal policy error")
		}
	}()
	flags := e.Get()
	switch act := a.(type) {
	case FSRead:
		return e.decideRead(act.Path, flags)
	case FSWrite:
		return e.decideWrite(act.Path, "write", flags)
	case FSDelete:
		return e.decideWrite(act.Path, "delete", flags)
	case TerminalExec:
		return e.decideExec(act, flags)
	case NetRequest:
		return e.decideNet(act.URL, flags)
	case nil:
		return deny("no action")
	default:
		return deny("unsupported action %s", a.Kind())
	}
}

func (e *Engine) decideRead(path string, flags Flags) Decision {
	canon, d, ok := e.checkRestricted(path)
	if !ok {
		return d
	}
	if flags.SafeMode && !within(canon, e.rules.projectRoot) {
		return deny("safe mode limits reads to project root %s", e.rules.projectRoot)
	}
	return allow("read permitted")
}

func (e *Engine) decideWrite(path, verb string, flags Flags) Decision {
	canon, d, ok := e.checkRestricted(path)
	if !ok {
		return d
	}
	inSandbox := within(canon, e.rules.sandboxRoot)
	if flags.Offline && flags.SafeMode && !inSandbox {
		return deny("offline safe mode limits %s to sandbox %s", verb, e.rules.sandboxRoot)
	}
	if flags.SafeMode && !inSandbox && !within(canon, e.rules.projectRoot) {
		return deny("safe mode limits %s to project root %s", verb, e.rules.projectRoot)
	}
	return allow(verb + " permitted")
}

func (e *Engine) checkRestricted(path string) (string, Decision, bool) {
	if strings.TrimSpace(path) == "" {
		return "", deny("empty path"), false
	}
	canon, err := canonicalize(path)
	if err != nil {
		return "", deny("invalid path %q", path), false
	}
	if root, ok := e.restrictedRoot(canon); ok {
		return "", deny("path %s is under restricted directory %s", canon, root), false
	}
	return canon, Decision{}, true
}

func (e *Engine) decideExec(act TerminalExec, flags Flags) Decision {
	command := strings.TrimSpace(act.Command)
	if command == "" {
		return deny("empty command")
	}
	names := make([]string, 0, len(act.Env))
	for name := range act.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if e.envDenied(name) {
			return deny("environment variable %s cannot be set", name)
		}
	}
	cwd := ""
	if strings.TrimSpace(act.Cwd) != "" {
		canon, err := canonicalize(act.Cwd)
		if err != nil {
			return deny("invalid working directory %q", act.Cwd)
		}
		if root, ok := e.restrictedRoot(canon); ok {
			return deny("working directory %s is under restricted directory %s", canon, root)
		}
		if flags.SafeMode && !within(canon, e.rules.projectRoot) && !within(canon, e.rules.sandboxRoot) {
			return deny("safe mode limits the working directory to project root %s", e.rules.projectRoot)
		}
		cwd = canon
	}
	for i := range e.rules.deny {
		if r := &e.rules.deny[i]; r.line != nil && r.line.MatchString(command) {
			return deny("command matches rule %q", r.name)
		}
	}
	s, err := parseScript(command)
	if err != nil {
		return deny("command could not be parsed: %v", err)
	}
	for _, name := range s.assigned {
		if e.envDenied(name) {
			return deny("environment variable %s cannot be set", name)
		}
	}
	for _, c := range s.calls {
		for i := range e.rules.deny {
			if r := &e.rules.deny[i]; r.matchesCall(c) {
				return deny("command matches rule %q", r.name)
			}
		}
		for _, arg := range c.args {
			if d, ok := e.checkCommandPath(cwd, arg); !ok {
				return d
			}
		}
		if c.verb == "cd" && len(c.args) > 0 {
			if canon, err := canonicalize(resolveArg(cwd, c.args[0])); err == nil {
				cwd = canon
			}
		}
	}
	for _, rd := range s.redirects {
		for i := range e.rules.deny {
			if r := &e.rules.deny[i]; r.matchesRedirect(rd.target) {
				return deny("command matches rule %q", r.name)
			}
		}
		if d, ok := e.checkCommandPath(cwd, rd.target); !ok {
			return d
		}
	}
	if !flags.SafeMode {
		return allow("command permitted")
	}
	if s.dynamic {
		return deny("command substitution is not allowed in safe mode")
	}
	for _, rd := range s.redirects {
		if rd.output {
			return deny("output redirection is not allowed in safe mode")
		}
	}
	for _, c := range s.calls {
		for _, verb := range append([]string{c.verb}, c.wrappers...) {
			if _, ok := e.rules.safeVerbs[verb]; !ok {
				return deny("%q is not an allowed command in safe mode", verb)
			}
		}
	}
	return allow("command permitted in safe mode")
}

func (e *Engine) envDenied(name string) bool {
	return matchAny(e.rules.deniedEnv, name)
}

func (e *Engine) restrictedRoot(canon string) (string, bool) {
	for _, root := range e.rules.restricted {
		if within(canon, root) {
			return root, true
		}
	}
	return "", false
}

func (e *Engine) checkCommandPath(cwd, arg string) (Decision, bool) {
	if !looksLikePath(arg) {
		return Decision{}, true
	}
	canon, err := canonicalize(resolveArg(cwd, arg))
	if err != nil {
		return Decision{}, true
	}
	if _, restricted := e.restrictedRoot(canon); restricted {
		return deny("command references restricted path %s", canon), false
	}
	return Decision{}, true
}

// resolveArg anchors a relative operand at cwd and spells $HOME as ~.
func resolveArg(cwd, arg string) string {
	if rest, ok := strings.CutPrefix(arg, "$HOME"); ok && (rest == "" || strings.HasPrefix(rest, "/")) {
		arg = "~" + rest
	}
	if cwd == "" || filepath.IsAbs(arg) || arg == "~" || strings.HasPrefix(arg, "~/") {
		return arg
	}
	return filepath.Join(cwd, arg)
}

func (e *Engine) decideNet(raw string, flags Flags) Decision {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return deny("invalid url %q", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return deny("scheme %q is not permitted", u.Scheme)
	}
	if !flags.Offline {
		return allow("network permitted")
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range e.rules.allowHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return allow("host allow-listed while offline")
		}
	}
	return deny("offline mode blocks network access to %s", host)
}
