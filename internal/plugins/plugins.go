// Package plugins implements the validator/processor pipeline that runs
// against proposed and staged content at named stages (spec §4.6).
package plugins

import (
	"regexp"

	"github.com/charmbracelet/log"
)

// Kind classifies what a plugin does, for diagnostics and future filtering.
type Kind string

const (
	KindValidator Kind = "validator"
	KindProcessor Kind = "processor"
	KindFormatter Kind = "formatter"
	KindAnalyzer  Kind = "analyzer"
	KindHook      Kind = "hook"
)

// Stage names a point in the submit/approve lifecycle a plugin can run at.
type Stage string

const (
	StagePreSync    Stage = "pre_sync"
	StageDuringSync Stage = "during_sync"
	StagePostSync   Stage = "post_sync"
	StagePreCommit  Stage = "pre_commit"
	StagePostCommit Stage = "post_commit"
)

// Context is the mutable shadow state threaded through one pipeline run.
// Plugins read Content/OriginalContent and may return replacement content
// or metadata to merge into it for the next plugin in the chain.
type Context struct {
	Path            string
	Content         string
	OriginalContent string
	Metadata        map[string]string
	Stage           Stage
	AgentIdentity   string
}

// Result is what a single plugin execution reports.
type Result struct {
	Success         bool
	Err             error
	Warnings        []string
	ReplacementText string
	HasReplacement  bool
	Metadata        map[string]string
	SkipRemaining   bool
}

// Plugin is the pipeline's unit of work.
type Plugin interface {
	ID() string
	Kind() Kind
	Stages() []Stage
	Patterns() []*regexp.Regexp
	Enabled() bool
	Execute(ctx Context) Result
}

func runsAtStage(p Plugin, stage Stage) bool {
	for _, s := range p.Stages() {
		if s == stage {
			return true
		}
	}
	return false
}

func matchesPath(p Plugin, path string) bool {
	patterns := p.Patterns()
	if len(patterns) == 0 {
		return true
	}
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Finding is one plugin's failure or warning, carried on Outcome for callers
// that need to report what happened (spec §7 PluginFailure / §6 warnings).
type Finding struct {
	PluginID string
	Message  string
	Warning  bool
}

// Outcome is the aggregate result of running a stage.
type Outcome struct {
	Success  bool
	Content  string
	Metadata map[string]string
	Findings []Finding
}

// Warnings extracts just the warning-level findings.
func (o Outcome) Warnings() []string {
	var w []string
	for _, f := range o.Findings {
		if f.Warning {
			w = append(w, f.PluginID+": "+f.Message)
		}
	}
	return w
}

// Failures extracts just the failing findings.
func (o Outcome) Failures() []Finding {
	var f []Finding
	for _, finding := range o.Findings {
		if !finding.Warning {
			f = append(f, finding)
		}
	}
	return f
}

// Pipeline runs registered plugins in registration order at a given stage.
type Pipeline struct {
	plugins []Plugin
	logger  *log.Logger
}

// New constructs an empty Pipeline.
func New(logger *log.Logger) *Pipeline {
	return &Pipeline{logger: logger}
}

// Register appends a plugin to the pipeline. Order of registration is the
// order of execution.
func (p *Pipeline) Register(plugin Plugin) {
	p.plugins = append(p.plugins, plugin)
}

// Run selects enabled plugins whose stage and path pattern match, executes
// them in registration order against a mutable shadow of ctx, and returns
// the aggregate Outcome. A plugin failure is recorded but does not abort
// the chain; the emitted content is the last successful replacement, or the
// input content if nothing mutated it.
func (p *Pipeline) Run(stage Stage, ctx Context) Outcome {
	shadow := ctx
	if shadow.Metadata == nil {
		shadow.Metadata = map[string]string{}
	}
	shadow.Stage = stage

	outcome := Outcome{Success: true, Content: ctx.Content, Metadata: shadow.Metadata}

	for _, plugin := range p.plugins {
		if !plugin.Enabled() || !runsAtStage(plugin, stage) || !matchesPath(plugin, shadow.Path) {
			continue
		}

		result := plugin.Execute(shadow)

		for _, w := range result.Warnings {
			outcome.Findings = append(outcome.Findings, Finding{PluginID: plugin.ID(), Message: w, Warning: true})
		}

		if !result.Success {
			msg := "plugin failed"
			if result.Err != nil {
				msg = result.Err.Error()
			}
			outcome.Findings = append(outcome.Findings, Finding{PluginID: plugin.ID(), Message: msg, Warning: false})
			outcome.Success = false
			if p.logger != nil {
				p.logger.Warn("plugin rejected content", "plugin", plugin.ID(), "path", shadow.Path, "stage", stage, "reason", msg)
			}
		} else if result.HasReplacement {
			shadow.Content = result.ReplacementText
			outcome.Content = result.ReplacementText
		}

		for k, v := range result.Metadata {
			shadow.Metadata[k] = v
		}

		if result.SkipRemaining {
			break
		}
	}

	outcome.Metadata = shadow.Metadata
	return outcome
}
