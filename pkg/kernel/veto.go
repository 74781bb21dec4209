package kernel

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// VetoInput is the activation a veto rule is evaluated against.
type VetoInput struct {
	Family  Family
	Mode    Mode
	Profile Profile
	Addr    uint64
	Size    uint64
	Write   bool
	State   string
	RiskPPM uint32
	Regime  string
}

func (in VetoInput) activation() map[string]any {
	return map[string]any{
		"family":   in.Family.String(),
		"mode":     in.Mode.String(),
		"profile":  in.Profile.String(),
		"addr":     int64(in.Addr),
		"size":     int64(min(in.Size, 1<<63-1)),
		"write":    in.Write,
		"state":    in.State,
		"risk_ppm": int64(in.RiskPPM),
		"regime":   in.Regime,
	}
}

type vetoRule struct {
	expr string
	prg  cel.Program
}

// Veto holds compiled CEL rules. Any rule evaluating to true denies the
// call. Programs are compiled once and are safe for concurrent Eval.
type Veto struct {
	rules []vetoRule
}

// NewVeto compiles every expression up front; a rule that does not
// compile or does not yield a bool is rejected.
func NewVeto(exprs []string) (*Veto, error) {
	v := &Veto{}
	if len(exprs) == 0 {
		return v, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("family", cel.StringType),
		cel.Variable("mode", cel.StringType),
		cel.Variable("profile", cel.StringType),
		cel.Variable("addr", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("write", cel.BoolType),
		cel.Variable("state", cel.StringType),
		cel.Variable("risk_ppm", cel.IntType),
		cel.Variable("regime", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	for i, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w %d: compile: %w", ErrVetoRule, i, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w %d: result is %s, not bool", ErrVetoRule, i, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("%w %d: program: %w", ErrVetoRule, i, err)
		}
		v.rules = append(v.rules, vetoRule{expr: expr, prg: prg})
	}
	return v, nil
}

// Len is the number of rules.
func (v *Veto) Len() int { return len(v.rules) }

// Match returns the index of the first rule that fires, or -1. Evaluation
// errors skip the rule and are returned joined with the first one seen.
func (v *Veto) Match(in VetoInput) (int, error) {
	if len(v.rules) == 0 {
		return -1, nil
	}
	act := in.activation()
	var firstErr error
	for i, r := range v.rules {
		out, _, err := r.prg.Eval(act)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("veto rule %q: eval: %w", r.expr, err)
			}
			continue
		}
		if fired, ok := out.Value().(bool); ok && fired {
			return i, firstErr
		}
	}
	return -1, firstErr
}
