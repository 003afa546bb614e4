package plugins

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// SyntaxValidator rejects obviously unbalanced brace/paren content and, for
// .json/.yaml/.yml files, content that fails to parse.
type SyntaxValidator struct {
	id       string
	patterns []*regexp.Regexp
	enabled  bool
}

// NewSyntaxValidator constructs the built-in syntax validator. patterns may
// be nil to apply to every file.
func NewSyntaxValidator(patterns []*regexp.Regexp) *SyntaxValidator {
	return &SyntaxValidator{id: "syntaxvalidator", patterns: patterns, enabled: true}
}

func (v *SyntaxValidator) ID() string                { return v.id }
func (v *SyntaxValidator) Kind() Kind                { return KindValidator }
func (v *SyntaxValidator) Stages() []Stage           { return []Stage{StagePreSync} }
func (v *SyntaxValidator) Patterns() []*regexp.Regexp { return v.patterns }
func (v *SyntaxValidator) Enabled() bool             { return v.enabled }

func (v *SyntaxValidator) Execute(ctx Context) Result {
	if err := checkBalance(ctx.Content); err != nil {
		return Result{Success: false, Err: err}
	}

	switch strings.ToLower(filepath.Ext(ctx.Path)) {
	case ".json":
		var anything any
		if err := json.Unmarshal([]byte(ctx.Content), &anything); err != nil {
			return Result{Success: false, Err: fmt.Errorf("invalid json: %w", err)}
		}
	case ".yaml", ".yml":
		var anything any
		if err := yaml.Unmarshal([]byte(ctx.Content), &anything); err != nil {
			return Result{Success: false, Err: fmt.Errorf("invalid yaml: %w", err)}
		}
	}
	return Result{Success: true}
}

func checkBalance(content string) error {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	for _, r := range content {
		c := byte(r)
		switch c {
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return fmt.Errorf("unbalanced %q", c)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) != 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}

// SecurityValidator scans for credential- and SQL-injection-shaped strings.
// It only ever warns; it never fails the pipeline.
type SecurityValidator struct {
	patterns []*regexp.Regexp
	enabled  bool
}

var securityPatternBank = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*['"][^'"]{6,}['"]`),
	regexp.MustCompile(`(?i)-----BEGIN (RSA |EC )?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\bSELECT\b.*\bFROM\b.*\+\s*\w+\s*\+`),
	regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`),
}

// NewSecurityValidator constructs the built-in security validator.
func NewSecurityValidator(filePatterns []*regexp.Regexp) *SecurityValidator {
	return &SecurityValidator{patterns: filePatterns, enabled: true}
}

func (v *SecurityValidator) ID() string               { return "securityvalidator" }
func (v *SecurityValidator) Kind() Kind                { return KindValidator }
func (v *SecurityValidator) Stages() []Stage           { return []Stage{StagePreSync} }
func (v *SecurityValidator) Patterns() []*regexp.Regexp { return v.patterns }
func (v *SecurityValidator) Enabled() bool             { return v.enabled }

func (v *SecurityValidator) Execute(ctx Context) Result {
	var warnings []string
	for _, re := range securityPatternBank {
		if re.MatchString(ctx.Content) {
			warnings = append(warnings, fmt.Sprintf("possible sensitive pattern: %s", re.String()))
		}
	}
	return Result{Success: true, Warnings: warnings}
}

// JSONFormatter pretty-prints .json content with a two-space indent. It is
// a no-op on anything else.
type JSONFormatter struct {
	enabled bool
}

// NewJSONFormatter constructs the built-in JSON formatter.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{enabled: true}
}

func (f *JSONFormatter) ID() string                { return "jsonformatter" }
func (f *JSONFormatter) Kind() Kind                { return KindProcessor }
func (f *JSONFormatter) Stages() []Stage           { return []Stage{StagePreSync} }
func (f *JSONFormatter) Patterns() []*regexp.Regexp { return []*regexp.Regexp{regexp.MustCompile(`(?i)\.json$`)} }
func (f *JSONFormatter) Enabled() bool              { return f.enabled }

func (f *JSONFormatter) Execute(ctx Context) Result {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(ctx.Content), "", "  "); err != nil {
		// Not this formatter's job to reject invalid JSON; the syntax
		// validator owns that. Leave content untouched.
		return Result{Success: true}
	}
	buf.WriteByte('\n')
	return Result{Success: true, HasReplacement: true, ReplacementText: buf.String()}
}

// AccessibilityValidator checks HTML/JSX content for heading-order
// violations and images missing alt text. Warnings only.
type AccessibilityValidator struct {
	enabled bool
}

// NewAccessibilityValidator constructs the built-in accessibility checker.
func NewAccessibilityValidator() *AccessibilityValidator {
	return &AccessibilityValidator{enabled: true}
}

func (v *AccessibilityValidator) ID() string   { return "a11yvalidator" }
func (v *AccessibilityValidator) Kind() Kind    { return KindValidator }
func (v *AccessibilityValidator) Stages() []Stage { return []Stage{StagePreSync} }
func (v *AccessibilityValidator) Patterns() []*regexp.Regexp {
	return []*regexp.Regexp{regexp.MustCompile(`(?i)\.(html?|jsx|tsx)$`)}
}
func (v *AccessibilityValidator) Enabled() bool { return v.enabled }

var (
	headingRe = regexp.MustCompile(`(?i)<h([1-6])\b`)
	imgRe     = regexp.MustCompile(`(?i)<img\b[^>]*>`)
	altRe     = regexp.MustCompile(`(?i)\balt\s*=`)
)

func (v *AccessibilityValidator) Execute(ctx Context) Result {
	var warnings []string

	lastLevel := 0
	for _, m := range headingRe.FindAllStringSubmatch(ctx.Content, -1) {
		level := int(m[1][0] - '0')
		if lastLevel != 0 && level > lastLevel+1 {
			warnings = append(warnings, fmt.Sprintf("heading level jumps from h%d to h%d", lastLevel, level))
		}
		lastLevel = level
	}

	for _, img := range imgRe.FindAllString(ctx.Content, -1) {
		if !altRe.MatchString(img) {
			warnings = append(warnings, "img element missing alt attribute")
		}
	}

	return Result{Success: true, Warnings: warnings}
}

// LintSeverity is the severity of a LintRule.
type LintSeverity string

const (
	LintError   LintSeverity = "error"
	LintWarning LintSeverity = "warning"
)

// LintRule is one pattern+message+severity entry in a LintPlugin's table.
type LintRule struct {
	Pattern  *regexp.Regexp
	Message  string
	Severity LintSeverity
}

// LintPlugin runs a table of regex rules against content. Only rules with
// LintError severity block the pipeline; LintWarning rules only warn.
type LintPlugin struct {
	rules    []LintRule
	patterns []*regexp.Regexp
	enabled  bool
}

// NewLintPlugin constructs a LintPlugin with the given rule table.
func NewLintPlugin(rules []LintRule, filePatterns []*regexp.Regexp) *LintPlugin {
	return &LintPlugin{rules: rules, patterns: filePatterns, enabled: true}
}

func (l *LintPlugin) ID() string                { return "lintplugin" }
func (l *LintPlugin) Kind() Kind                 { return KindValidator }
func (l *LintPlugin) Stages() []Stage            { return []Stage{StagePreSync} }
func (l *LintPlugin) Patterns() []*regexp.Regexp { return l.patterns }
func (l *LintPlugin) Enabled() bool              { return l.enabled }

func (l *LintPlugin) Execute(ctx Context) Result {
	var warnings []string
	var failMsgs []string

	for _, rule := range l.rules {
		if !rule.Pattern.MatchString(ctx.Content) {
			continue
		}
		switch rule.Severity {
		case LintError:
			failMsgs = append(failMsgs, rule.Message)
		default:
			warnings = append(warnings, rule.Message)
		}
	}

	if len(failMsgs) > 0 {
		return Result{Success: false, Err: fmt.Errorf("%s", strings.Join(failMsgs, "; ")), Warnings: warnings}
	}
	return Result{Success: true, Warnings: warnings}
}
