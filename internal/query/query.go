// Package query filters stories with expr-lang expressions.
//
// Each story is evaluated against an Env, for example:
//
//	status == "in-progress" && epic == 2
//	done_tasks < tasks
//	title contains "auth"
package query

import (
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/bmad-dash/bmd/internal/schema"
)

// Env is what an expression sees for one story.
type Env struct {
	Status    string `expr:"status"`
	Epic      int    `expr:"epic"`
	EpicTitle string `expr:"epic_title"`
	Number    string `expr:"number"`
	Title     string `expr:"title"`
	Tasks     int    `expr:"tasks"`
	DoneTasks int    `expr:"done_tasks"`
	HasFile   bool   `expr:"has_file"`
}

// NewEnv builds the environment for story s of epic e.
func NewEnv(e schema.Epic, s schema.Story) Env {
	env := Env{
		Status:    string(s.Status),
		Epic:      e.Number,
		EpicTitle: e.Title,
		Number:    s.Number,
		Title:     s.Title,
		Tasks:     len(s.Tasks),
		HasFile:   s.FilePath != "",
	}
	for _, t := range s.Tasks {
		if t.Completed {
			env.DoneTasks++
		}
	}
	return env
}

// Filter is a compiled story filter. The zero value and a nil *Filter
// match every story.
type Filter struct {
	program    *exprvm.Program
	expression string
}

// Compile parses expression into a Filter. An empty expression matches
// everything.
func Compile(expression string) (*Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &Filter{}, nil
	}
	program, err := exprlang.Compile(expression, exprlang.Env(Env{}), exprlang.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expression, err)
	}
	return &Filter{program: program, expression: expression}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expression
}

// Match reports whether the story satisfies the filter.
func (f *Filter) Match(e schema.Epic, s schema.Story) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	out, err := exprlang.Run(f.program, NewEnv(e, s))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter %q on story %s: %w", f.expression, s.Number, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Each calls fn for every matching story of p, in epic order.
func (f *Filter) Each(p *schema.Project, fn func(e schema.Epic, s schema.Story)) error {
	if p == nil {
		return nil
	}
	for _, e := range p.Epics {
		for _, s := range e.Stories {
			ok, err := f.Match(e, s)
			if err != nil {
				return err
			}
			if ok {
				fn(e, s)
			}
		}
	}
	return nil
}

// Stories returns the matching stories of p in epic order.
func (f *Filter) Stories(p *schema.Project) ([]schema.Story, error) {
	var out []schema.Story
	err := f.Each(p, func(_ schema.Epic, s schema.Story) {
		out = append(out, s)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
