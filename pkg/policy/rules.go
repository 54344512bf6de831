package policy

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules is the static half of the policy. It is data: deployments override it with a
// YAML file rather than code changes.
type Rules struct {
	RestrictedPaths []string   `yaml:"restricted_paths"`
	ProjectRoot     string     `yaml:"project_root"`
	SandboxRoot     string     `yaml:"sandbox_root"`
	DenyRules       []DenyRule `yaml:"deny_rules"`
	DeniedEnv       []string   `yaml:"denied_env"`
	SafeVerbs       []string   `yaml:"safe_verbs"`
	AllowHosts      []string   `yaml:"allow_hosts"`
}

// DenyRule names one destructive shape. Verbs are globs over the resolved program
// name and every Args pattern must match its space-joined operands. Line matches
// the raw command line and Redirect matches a redirection target. A rule fires
// when any of its forms does.
type DenyRule struct {
	Name     string   `yaml:"name"`
	Verbs    []string `yaml:"verbs,omitempty"`
	Args     []string `yaml:"args,omitempty"`
	Line     string   `yaml:"line,omitempty"`
	Redirect string   `yaml:"redirect,omitempty"`
}

func DefaultRules() Rules {
	return Rules{
		RestrictedPaths: []string{
			"/etc", "/boot", "/sbin", "/usr/sbin", "/System", "/Library",
			"/private/etc", "/Windows", "/Program Files", "/Program Files (x86)",
			"~/.ssh", "~/.gnupg", "~/.aws",
		},
		DenyRules: []DenyRule{
			{
				Name:  "recursive delete of root or home",
				Verbs: []string{"rm"},
				Args: []string{
					`(^|\s)(-[A-Za-z]*[rRf]|--recursive|--force)`,
					`(^|\s)(/|/\*|~|~/\*|\$HOME|\$HOME/\*|\*|\.|\.\*)(\s|$)`,
				},
			},
			{Name: "filesystem format", Verbs: []string{"mkfs", "mkfs.*", "mke2fs", "wipefs"}},
			{Name: "raw disk write", Verbs: []string{"dd"}, Args: []string{`(^|\s)of=/dev/`}},
			{Name: "raw disk redirect", Redirect: `^/dev/(sd|nvme|disk|hd|vd|xvd)`},
			{Name: "fork bomb", Line: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`},
			{Name: "world-writable root", Verbs: []string{"chmod"}, Args: []string{`(^|\s)0?777(\s.*)?\s/(\s|$)`}},
			{
				Name:  "recursive chown of root",
				Verbs: []string{"chown"},
				Args:  []string{`(^|\s)(-[A-Za-z]*R|--recursive)`, `\s/(\s|$)`},
			},
			{Name: "power state change", Verbs: []string{"shutdown", "reboot", "halt", "poweroff"}},
			{Name: "power state change", Verbs: []string{"systemctl"}, Args: []string{`(^|\s)(poweroff|reboot|halt)(\s|$)`}},
			{Name: "download piped into a shell", Line: `\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|k|da)?sh\b`},
		},
		DeniedEnv: []string{
			"PATH", "LD_*", "DYLD_*", "BASH_ENV", "ENV", "IFS", "SHELLOPTS",
			"BASHOPTS", "PROMPT_COMMAND", "PS4", "BASH_FUNC_*",
		},
		SafeVerbs: []string{
			"ls", "pwd", "echo", "printf", "cat", "head", "tail", "wc", "grep",
			"which", "whoami", "date", "uname", "df", "du", "stat", "file",
			"sort", "uniq", "tree", "true", "clear", "cd",
		},
	}
}

// LoadRules reads a YAML rules file over the defaults; keys absent from the file keep
// their default values.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	path = strings.TrimSpace(path)
	if path == "" {
		return rules, nil
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return rules, fmt.Errorf("read policy rules: %w", err)
	}
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return rules, fmt.Errorf("parse policy rules: %w", err)
	}
	return rules, nil
}

type denyRule struct {
	name     string
	verbs    []string
	args     []*regexp.Regexp
	line     *regexp.Regexp
	redirect *regexp.Regexp
}

func (r *denyRule) matchesCall(c call) bool {
	if len(r.verbs) == 0 || !matchAny(r.verbs, c.verb) {
		return false
	}
	joined := strings.Join(normalizeArgs(c.args), " ")
	for _, re := range r.args {
		if !re.MatchString(joined) {
			return false
		}
	}
	return true
}

func (r *denyRule) matchesRedirect(target string) bool {
	return r.redirect != nil && r.redirect.MatchString(normalizeArg(target))
}

type compiled struct {
	source      Rules
	restricted  []string
	projectRoot string
	sandboxRoot string
	deny        []denyRule
	deniedEnv   []string
	safeVerbs   map[string]struct{}
	allowHosts  []string
}

func compile(r Rules) (compiled, error) {
	c := compiled{source: r, safeVerbs: map[string]struct{}{}}
	for _, p := range r.RestrictedPaths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		canon, err := canonicalize(p)
		if err != nil {
			return c, fmt.Errorf("restricted path %q: %w", p, err)
		}
		c.restricted = append(c.restricted, canon)
	}
	root := strings.TrimSpace(r.ProjectRoot)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return c, fmt.Errorf("project root: %w", err)
		}
		root = wd
	}
	canonRoot, err := canonicalize(root)
	if err != nil {
		return c, fmt.Errorf("project root: %w", err)
	}
	c.projectRoot = canonRoot
	sandbox := strings.TrimSpace(r.SandboxRoot)
	if sandbox == "" {
		sandbox = filepath.Join(os.TempDir(), "warpgate-sandbox")
	}
	canonSandbox, err := canonicalize(sandbox)
	if err != nil {
		return c, fmt.Errorf("sandbox root: %w", err)
	}
	c.sandboxRoot = canonSandbox
	for i, dr := range r.DenyRules {
		rule, err := compileDenyRule(i, dr)
		if err != nil {
			return c, err
		}
		c.deny = append(c.deny, rule)
	}
	for _, name := range r.DeniedEnv {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := path.Match(name, ""); err != nil {
			return c, fmt.Errorf("denied env %q: %w", name, err)
		}
		c.deniedEnv = append(c.deniedEnv, name)
	}
	for _, v := range r.SafeVerbs {
		v = strings.TrimSpace(v)
		if v != "" {
			c.safeVerbs[v] = struct{}{}
		}
	}
	for _, h := range r.AllowHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			c.allowHosts = append(c.allowHosts, h)
		}
	}
	return c, nil
}

func compileDenyRule(i int, dr DenyRule) (denyRule, error) {
	rule := denyRule{name: strings.TrimSpace(dr.Name)}
	if rule.name == "" {
		rule.name = fmt.Sprintf("rule %d", i+1)
	}
	for _, v := range dr.Verbs {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, err := path.Match(v, ""); err != nil {
			return rule, fmt.Errorf("deny rule %q verb %q: %w", rule.name, v, err)
		}
		rule.verbs = append(rule.verbs, v)
	}
	for _, p := range dr.Args {
		re, err := regexp.Compile(p)
		if err != nil {
			return rule, fmt.Errorf("deny rule %q args: %w", rule.name, err)
		}
		rule.args = append(rule.args, re)
	}
	var err error
	if rule.line, err = optionalRegexp(dr.Line); err != nil {
		return rule, fmt.Errorf("deny rule %q line: %w", rule.name, err)
	}
	if rule.redirect, err = optionalRegexp(dr.Redirect); err != nil {
		return rule, fmt.Errorf("deny rule %q redirect: %w", rule.name, err)
	}
	if len(rule.verbs) == 0 && rule.line == nil && rule.redirect == nil {
		return rule, fmt.Errorf("deny rule %q needs verbs, line or redirect", rule.name)
	}
	return rule, nil
}

func optionalRegexp(p string) (*regexp.Regexp, error) {
	if strings.TrimSpace(p) == "" {
		return nil, nil
	}
	return regexp.Compile(p)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = normalizeArg(a)
	}
	return out
}

// normalizeArg folds spellings of the same path, so "//", "/./" and "/" compare equal.
func normalizeArg(a string) string {
	if a == "" || !looksLikePath(a) {
		return a
	}
	return filepath.Clean(a)
}
