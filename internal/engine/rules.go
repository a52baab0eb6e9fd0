package engine

import (
	"fmt"
	"log/slog"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"robot-inspection-cell/internal/types"
)

// RuleEnv 是动作条件表达式可见的变量
type RuleEnv struct {
	Position  int      `expr:"position"`
	UseCamera bool     `expr:"use_camera"`
	Session   string   `expr:"session"`
	Actions   []string `expr:"actions"`
}

// RuleSet 保存每个动作的执行条件
// 表达式在创建时编译，运行时只做求值
type RuleSet struct {
	programs map[types.ActionTag]*vm.Program
	sources  map[types.ActionTag]string
	logger   *slog.Logger
}

// NewRuleSet 编译动作条件，rules 覆盖 defaults 中的同名条目
func NewRuleSet(rules, defaults map[types.ActionTag]string, logger *slog.Logger) (*RuleSet, error) {
	merged := make(map[types.ActionTag]string, len(rules)+len(defaults))
	for tag, src := range defaults {
		merged[tag] = src
	}
	for tag, src := range rules {
		merged[tag] = src
	}

	rs := &RuleSet{
		programs: make(map[types.ActionTag]*vm.Program, len(merged)),
		sources:  merged,
		logger:   logger.With("component", "rules"),
	}
	for tag, src := range merged {
		program, err := expr.Compile(src, expr.Env(RuleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule compilation failed for %s: %w", tag, err)
		}
		rs.programs[tag] = program
	}
	return rs, nil
}

// Allow 判断动作是否执行，没有条件的动作总是执行
// 求值出错时不执行该动作
func (rs *RuleSet) Allow(tag types.ActionTag, env RuleEnv) bool {
	if rs == nil {
		return true
	}
	program, ok := rs.programs[tag]
	if !ok {
		return true
	}
	result, err := expr.Run(program, env)
	if err != nil {
		rs.logger.Error("规则引擎评估失败", "action", tag, "rule", rs.sources[tag], "error", err)
		return false
	}
	allowed, ok := result.(bool)
	if !ok {
		rs.logger.Error("规则结果不是布尔值", "action", tag, "rule", rs.sources[tag])
		return false
	}
	return allowed
}

// Filter 返回条件成立的动作，保持原有顺序
func (rs *RuleSet) Filter(tags []types.ActionTag, env RuleEnv) (allowed, skipped []types.ActionTag) {
	env.Actions = make([]string, len(tags))
	for i, tag := range tags {
		env.Actions[i] = string(tag)
	}
	for _, tag := range tags {
		if rs.Allow(tag, env) {
			allowed = append(allowed, tag)
		} else {
			skipped = append(skipped, tag)
		}
	}
	return allowed, skipped
}

// Has 判断动作列表中是否包含 tag
func Has(tags []types.ActionTag, tag types.ActionTag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
