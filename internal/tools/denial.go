package tools

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/loomhq/loom/internal/config"
)

// subagentTools are implicitly denied for subagent sessions so a child cannot
// spawn further children.
var subagentTools = []string{"SpawnSubagent", "QueryAgent", "WaitForAgents"}

// ParamPattern blocks a single parameter when its stringified value matches
// any of the compiled patterns.
type ParamPattern struct {
	Parameter string
	Patterns  []*regexp.Regexp
}

// Rule blocks calls to one tool at parameter granularity.
type Rule struct {
	Tool         string
	DenyPatterns []ParamPattern
	Message      string
}

// DenialConfig decides which tool calls are blocked. Precedence: DenyAll,
// then the name deny-list, then parameter rules.
type DenialConfig struct {
	DenyAll bool
	Tools   map[string]bool
	Rules   []Rule
}

// NewDenialConfig compiles a config-level tool policy.
func NewDenialConfig(cfg config.ToolsConfig) (*DenialConfig, error) {
	d := &DenialConfig{
		DenyAll: cfg.DenyAll,
		Tools:   make(map[string]bool, len(cfg.Deny)),
	}
	for _, name := range cfg.Deny {
		d.Tools[name] = true
	}

	byTool := map[string]*Rule{}
	for _, rule := range cfg.DenyParams {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("deny pattern for %s.%s: %w", rule.Tool, rule.Param, err)
		}
		r, ok := byTool[rule.Tool]
		if !ok {
			r = &Rule{Tool: rule.Tool, Message: fmt.Sprintf("tool %s blocked by parameter policy", rule.Tool)}
			byTool[rule.Tool] = r
		}
		var pp *ParamPattern
		for i := range r.DenyPatterns {
			if r.DenyPatterns[i].Parameter == rule.Param {
				pp = &r.DenyPatterns[i]
				break
			}
		}
		if pp == nil {
			r.DenyPatterns = append(r.DenyPatterns, ParamPattern{Parameter: rule.Param})
			pp = &r.DenyPatterns[len(r.DenyPatterns)-1]
		}
		pp.Patterns = append(pp.Patterns, re)
	}
	for _, r := range byTool {
		d.Rules = append(d.Rules, *r)
	}
	return d, nil
}

// WithSubagentDenials returns a copy that additionally denies the tools a
// subagent must not call.
func (d *DenialConfig) WithSubagentDenials() *DenialConfig {
	out := &DenialConfig{DenyAll: false, Tools: map[string]bool{}, Rules: nil}
	if d != nil {
		out.DenyAll = d.DenyAll
		for name := range d.Tools {
			out.Tools[name] = true
		}
		out.Rules = append(out.Rules, d.Rules...)
	}
	for _, name := range subagentTools {
		out.Tools[name] = true
	}
	return out
}

// WithDenied returns a copy that additionally denies the named tools.
func (d *DenialConfig) WithDenied(names ...string) *DenialConfig {
	out := &DenialConfig{Tools: map[string]bool{}}
	if d != nil {
		out.DenyAll = d.DenyAll
		for name := range d.Tools {
			out.Tools[name] = true
		}
		out.Rules = append(out.Rules, d.Rules...)
	}
	for _, name := range names {
		out.Tools[name] = true
	}
	return out
}

// DeniedByName reports whether the tool is blocked before looking at its
// arguments.
func (d *DenialConfig) DeniedByName(name string) bool {
	if d == nil {
		return false
	}
	return d.DenyAll || d.Tools[name]
}

// Check returns a denial message when the call must not run. Parameter rules
// match the stringified value of each listed parameter.
func (d *DenialConfig) Check(name string, params json.RawMessage) (denied bool, message string) {
	if d == nil {
		return false, ""
	}
	if d.DenyAll {
		return true, "all tools are denied for this session"
	}
	if d.Tools[name] {
		return true, fmt.Sprintf("tool %s is denied for this session", name)
	}

	var args map[string]any
	for _, rule := range d.Rules {
		if rule.Tool != name {
			continue
		}
		if args == nil {
			if err := json.Unmarshal(params, &args); err != nil {
				args = map[string]any{}
			}
		}
		for _, pp := range rule.DenyPatterns {
			value, ok := args[pp.Parameter]
			if !ok {
				continue
			}
			text := stringify(value)
			for _, re := range pp.Patterns {
				if re.MatchString(text) {
					return true, rule.Message
				}
			}
		}
	}
	return false, ""
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
