package validation

import (
	"fmt"
	"time"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/pkg/schema"
)

// compilers are the expression engines whose syntax is checked at registration.
type compilers struct {
	conditions *expressions.ConditionEvaluator
	scripts    *expressions.ScriptEngine
	mapper     *expressions.Mapper
}

// validateSemantic checks per-node configuration: typed config blocks decode,
// references point at the node's own edges, durations parse and every
// expression compiles.
func validateSemantic(def *schema.WorkflowDefinition, c compilers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	outgoing := make(map[string]map[string]bool, len(def.Nodes))
	for _, e := range def.Edges {
		if outgoing[e.Source] == nil {
			outgoing[e.Source] = make(map[string]bool)
		}
		outgoing[e.Source][e.ID] = true
	}

	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		validateNodeConfig(n, path, outgoing[n.ID], c, result)
		validateRetry(n.Retry, path+".retry", result)
		if n.Timeout != "" {
			checkDuration(n.Timeout, path+".timeout", result)
		}
		for variable, expr := range n.OutputMapping {
			if err := c.mapper.Compile(expr); err != nil {
				result.AddError(fmt.Sprintf("%s.output_mapping.%s", path, variable), schema.ErrCodeDefinition, err.Error())
			}
		}
	}

	for i, e := range def.Edges {
		if err := c.conditions.Validate(e.Condition); err != nil {
			result.AddError(fmt.Sprintf("edges[%d].condition", i), schema.ErrCodeDefinition, err.Error())
		}
	}
	return result
}

func validateNodeConfig(n schema.Node, path string, ownEdges map[string]bool, c compilers, result *schema.ValidationResult) {
	fail := func(field, msg string) {
		result.AddError(path+".config"+field, schema.ErrCodeDefinition, fmt.Sprintf("%s node %q: %s", n.Type, n.ID, msg))
	}

	switch n.Type {
	case schema.NodeTypeTask:
		cfg, err := schema.DecodeConfig[schema.TaskConfig](n)
		if err != nil {
			fail("", err.Error())
			return
		}
		if cfg.Title == "" {
			fail(".title", "title is required")
		}
		if cfg.Priority != "" && !cfg.Priority.Valid() {
			fail(".priority", fmt.Sprintf("unknown priority %q", cfg.Priority))
		}
		if cfg.DueIn != "" {
			checkDuration(cfg.DueIn, path+".config.due_in", result)
		}
		validateAssignment(cfg.Assignment, path+".config.assignment", c, result)

	case schema.NodeTypeApproval:
		cfg, err := schema.DecodeConfig[schema.ApprovalConfig](n)
		if err != nil {
			fail("", err.Error())
			return
		}
		validateAssignment(cfg.Approvers, path+".config.approvers", c, result)

	case schema.NodeTypeDecision:
		cfg, err := schema.DecodeConfig[schema.DecisionConfig](n)
		if err != nil {
			fail("", err.Error())
			return
		}
		if cfg.Default != "" && !ownEdges[cfg.Default] {
			fail(".default", fmt.Sprintf("default %q is not an outgoing edge", cfg.Default))
		}

	case schema.NodeTypeParallel:
		cfg, err := schema.DecodeConfig[schema.ParallelConfig](n)
		if err != nil {
			fail("", err.Error())
			return
		}
		for j, b := range cfg.Branches {
			if !ownEdges[b] {
				fail(fmt.Sprintf(".branches[%d]", j), fmt.Sprintf("branch %q is not an outgoing edge", b))
			}
		}

	case schema.NodeTypeWait:
		cfg, err := schema.DecodeConfig[schema.WaitConfig](n)
		if err != nil {
			fail("", err.Error())
			return
		}
		switch {
		case cfg.Duration == "" && cfg.Until == nil:
			fail("", "one of duration or until is required")
		case cfg.Duration != "" && cfg.Until != nil:
			fail("", "duration and until are mutually exclusive")
		case cfg.Duration != "":
			checkDuration(cfg.Duration, path+".config.duration", result)
		}

	case schema.NodeTypeAPICall:
		cfg, err := schema.DecodeConfig[schema.APICallConfig](n)
		if err != nil {
			fail("", err.Error())
			return
		}
		if cfg.URL == "" {
			fail(".url", "url is required")
		}

	case schema.NodeTypeNotification:
		cfg, err := schema.DecodeConfig[schema.NotificationConfig](n)
		if err != nil {
			fail("", err.Error())
			return
		}
		if cfg.Event == "" {
			fail(".event", "event is required")
		}

	case schema.NodeTypeScript:
		cfg, err := schema.DecodeConfig[schema.ScriptConfig](n)
		if err != nil {
			fail("", err.Error())
			return
		}
		if cfg.Script == "" {
			fail(".script", "script is required")
		} else if err := c.scripts.Compile(cfg.Script); err != nil {
			fail(".script", err.Error())
		}
	}
}

func validateAssignment(a *schema.Assignment, path string, c compilers, result *schema.ValidationResult) {
	if a == nil {
		return
	}
	switch a.Type {
	case schema.AssignUser, schema.AssignRole, schema.AssignGroup:
		if a.Value == "" {
			result.AddError(path+".value", schema.ErrCodeDefinition, "assignment value is required")
		}
	case schema.AssignDynamic:
		if err := c.scripts.Compile(a.Value); err != nil {
			result.AddError(path+".value", schema.ErrCodeDefinition, err.Error())
		}
	default:
		result.AddError(path+".type", schema.ErrCodeDefinition, fmt.Sprintf("unknown assignment type %q", a.Type))
	}
}

func validateRetry(p *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if p == nil {
		return
	}
	if p.MaxAttempts < 1 {
		result.AddError(path+".max_attempts", schema.ErrCodeDefinition, "max_attempts must be at least 1")
	}
	switch p.Strategy {
	case "", schema.BackoffFixed, schema.BackoffLinear, schema.BackoffExponential, schema.BackoffRandom:
	default:
		result.AddError(path+".strategy", schema.ErrCodeDefinition, fmt.Sprintf("unknown backoff strategy %q", p.Strategy))
	}
	var initial, maxDelay time.Duration
	if p.InitialDelay != "" {
		initial = checkDuration(p.InitialDelay, path+".initial_delay", result)
	}
	if p.MaxDelay != "" {
		maxDelay = checkDuration(p.MaxDelay, path+".max_delay", result)
	}
	if maxDelay > 0 && initial > maxDelay {
		result.AddWarning(path, schema.ErrCodeDefinition, "initial_delay exceeds max_delay; every retry waits max_delay")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		result.AddError(path+".multiplier", schema.ErrCodeDefinition, "multiplier must be >= 1")
	}
}

func checkDuration(s, path string, result *schema.ValidationResult) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		result.AddError(path, schema.ErrCodeDefinition, fmt.Sprintf("invalid duration %q", s))
		return 0
	}
	if d < 0 {
		result.AddError(path, schema.ErrCodeDefinition, fmt.Sprintf("negative duration %q", s))
	}
	return d
}
