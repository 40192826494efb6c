package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"rninspector/pkg/domain"
)

// Condition 单个目标匹配条件
type Condition struct {
	Field string `yaml:"field" json:"field"` // id | title | type | vm | url | description
	Op    string `yaml:"op" json:"op"`       // equals | contains | prefix | regex | glob
	Value string `yaml:"value" json:"value"`
}

// Preference 一个目标选择档位，档位按配置顺序决定优先级
type Preference struct {
	Name   string      `yaml:"name" json:"name"`
	AllOf  []Condition `yaml:"allOf" json:"allOf"`
	AnyOf  []Condition `yaml:"anyOf" json:"anyOf"`
	NoneOf []Condition `yaml:"noneOf" json:"noneOf"`
}

// DefaultPreferences 默认档位：experimental > Hermes/node > react native 或 node
//
// 都不命中时由 Select 回退到列表中的第一个目标。
func DefaultPreferences() []Preference {
	return []Preference{
		{
			Name:  "experimental",
			AllOf: []Condition{{Field: "title", Op: "contains", Value: "experimental"}},
		},
		{
			Name: "hermes",
			AllOf: []Condition{
				{Field: "vm", Op: "equals", Value: "Hermes"},
				{Field: "type", Op: "equals", Value: "node"},
			},
		},
		{
			Name: "react-native",
			AnyOf: []Condition{
				{Field: "title", Op: "contains", Value: "react native"},
				{Field: "type", Op: "equals", Value: "node"},
			},
		},
	}
}

// FallbackName 回退档位名称
const FallbackName = "first"

// Engine 目标选择引擎
type Engine struct {
	mu    sync.RWMutex
	prefs []Preference
}

// New 创建选择引擎
func New(prefs []Preference) *Engine { return &Engine{prefs: prefs} }

// Update 替换档位配置
func (e *Engine) Update(prefs []Preference) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefs = prefs
}

// Select 返回被选中目标的下标及命中的档位名称，列表为空时返回 -1
//
// 同一档位内按列表顺序取第一个，结果对同一输入是确定的。
func (e *Engine) Select(targets []domain.InspectorTarget) (int, string) {
	if len(targets) == 0 {
		return -1, ""
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range e.prefs {
		p := &e.prefs[i]
		for j := range targets {
			if matchPreference(&targets[j], p) {
				return j, p.Name
			}
		}
	}
	return 0, FallbackName
}

// Validate 检查档位配置是否合法
func Validate(prefs []Preference) error {
	for i := range prefs {
		p := &prefs[i]
		if len(p.AllOf) == 0 && len(p.AnyOf) == 0 && len(p.NoneOf) == 0 {
			return fmt.Errorf("preference %q has no conditions", p.Name)
		}
		for _, group := range [][]Condition{p.AllOf, p.AnyOf, p.NoneOf} {
			for _, c := range group {
				if _, ok := fieldOf(&domain.InspectorTarget{}, c.Field); !ok {
					return fmt.Errorf("preference %q: unknown field %q", p.Name, c.Field)
				}
				switch c.Op {
				case "equals", "contains", "prefix", "glob":
				case "regex":
					if _, err := regexCache.Get(c.Value); err != nil {
						return fmt.Errorf("preference %q: bad regex %q: %w", p.Name, c.Value, err)
					}
				default:
					return fmt.Errorf("preference %q: unknown op %q", p.Name, c.Op)
				}
			}
		}
	}
	return nil
}

func matchPreference(t *domain.InspectorTarget, p *Preference) bool {
	ok := true
	if len(p.AllOf) > 0 {
		ok = ok && allOf(t, p.AllOf)
	}
	if len(p.AnyOf) > 0 {
		ok = ok && anyOf(t, p.AnyOf)
	}
	if len(p.NoneOf) > 0 {
		ok = ok && noneOf(t, p.NoneOf)
	}
	return ok
}

func allOf(t *domain.InspectorTarget, cs []Condition) bool {
	for i := range cs {
		if !cond(t, cs[i]) {
			return false
		}
	}
	return true
}

func anyOf(t *domain.InspectorTarget, cs []Condition) bool {
	for i := range cs {
		if cond(t, cs[i]) {
			return true
		}
	}
	return false
}

func noneOf(t *domain.InspectorTarget, cs []Condition) bool { return !anyOf(t, cs) }

func cond(t *domain.InspectorTarget, c Condition) bool {
	v, ok := fieldOf(t, c.Field)
	if !ok {
		return false
	}
	switch c.Op {
	case "equals":
		return v == c.Value
	case "contains":
		return strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
	case "prefix":
		return strings.HasPrefix(v, c.Value)
	case "regex":
		return matchRegex(v, c.Value)
	case "glob":
		return glob(v, c.Value)
	default:
		return false
	}
}

func fieldOf(t *domain.InspectorTarget, field string) (string, bool) {
	switch field {
	case "id":
		return string(t.ID), true
	case "title":
		return t.Title, true
	case "type":
		return string(t.Type), true
	case "vm":
		return t.VM, true
	case "url":
		return t.URL, true
	case "description":
		return t.Description, true
	default:
		return "", false
	}
}

type regexpCache struct {
	m sync.Map
}

var regexCache = &regexpCache{}

func (c *regexpCache) Get(pattern string) (*regexp.Regexp, error) {
	if v, ok := c.m.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.m.Store(pattern, re)
	return re, nil
}

func matchRegex(s, pattern string) bool {
	re, err := regexCache.Get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func glob(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(s, strings.TrimPrefix(pattern, "*")) {
		return true
	}
	if strings.HasSuffix(pattern, "*") && strings.HasPrefix(s, strings.TrimSuffix(pattern, "*")) {
		return true
	}
	return s == pattern
}
