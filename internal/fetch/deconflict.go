package fetch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/job"
	"github.com/big-armor/datapm-sub007/pkg/schema"
)

// Strategy resolves a property observed with more than one value type
type Strategy string

const (
	CastToString Strategy = "CAST_TO_STRING"
	Drop         Strategy = "DROP"
	// CastToNumber applies only when every type is boolean, integer or number
	CastToNumber Strategy = "CAST_TO_NUMBER"
)

// DeconflictOptionsKey is the sink config key caching chosen strategies as
// schema slug => property name => strategy
const DeconflictOptionsKey = "deconflictOptions"

// Conflict is one property with more than one non-null value type
type Conflict struct {
	Schema   string
	Property string
	Types    []schema.ValueType
}

func (c Conflict) name() string { return c.Schema + "." + c.Property }

// Strategies returns the strategies allowed for the conflict
func (c Conflict) Strategies() []Strategy {
	numeric := true
	for _, t := range c.Types {
		if t != schema.Boolean && t != schema.Integer && t != schema.Number {
			numeric = false
		}
	}
	if numeric {
		return []Strategy{CastToString, Drop, CastToNumber}
	}
	return []Strategy{CastToString, Drop}
}

func (c Conflict) allows(s Strategy) bool {
	for _, a := range c.Strategies() {
		if a == s {
			return true
		}
	}
	return false
}

// Conflicts lists every conflicted property, ordered by schema and property
func Conflicts(schemas map[string]*schema.SchemaDescriptor) []Conflict {
	var out []Conflict
	for slug, desc := range schemas {
		for _, name := range desc.PropertyNames() {
			if types := desc.Properties[name].NonNullTypes(); len(types) > 1 {
				out = append(out, Conflict{Schema: slug, Property: name, Types: types})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name() < out[j].name() })
	return out
}

// cachedStrategy reads a strategy from the sink config
func cachedStrategy(cfg core.Config, c Conflict) (Strategy, bool) {
	bySchema := cfg.Map(DeconflictOptionsKey)
	props, ok := bySchema[c.Schema].(map[string]interface{})
	if !ok {
		return "", false
	}
	v, ok := props[c.Property].(string)
	if !ok || v == "" {
		return "", false
	}
	return Strategy(strings.ToUpper(v)), true
}

func storeStrategy(cfg core.Config, c Conflict, s Strategy) {
	bySchema := cfg.Map(DeconflictOptionsKey)
	props, ok := bySchema[c.Schema].(map[string]interface{})
	if !ok {
		props = make(map[string]interface{})
		bySchema[c.Schema] = props
	}
	props[c.Property] = string(s)
}

// Resolution is the strategy chosen for a conflict
type Resolution struct {
	Conflict
	Strategy Strategy
}

// ResolveConflicts picks a strategy for every conflict. Strategies cached in
// cfg are used as they are; the rest are asked through jc in a single prompt
// and written back into cfg.
func ResolveConflicts(ctx context.Context, jc job.JobContext, cfg core.Config, conflicts []Conflict) ([]Resolution, error) {
	out := make([]Resolution, 0, len(conflicts))
	var (
		params  []job.Parameter
		pending []Conflict
	)
	for _, c := range conflicts {
		if s, ok := cachedStrategy(cfg, c); ok {
			if !c.allows(s) {
				return nil, errors.Newf(errors.ErrorTypeConfig, "strategy %s cannot resolve %s with types %v", s, c.name(), c.Types).
					WithDetail("schema", c.Schema).
					WithDetail("property", c.Property)
			}
			out = append(out, Resolution{Conflict: c, Strategy: s})
			continue
		}
		options := make([]string, 0, 3)
		for _, s := range c.Strategies() {
			options = append(options, string(s))
		}
		params = append(params, job.Parameter{
			Name:    c.name(),
			Message: fmt.Sprintf("Property %q of schema %q has types %v. How should it be stored?", c.Property, c.Schema, c.Types),
			Type:    job.ParameterSelect,
			Options: options,
		})
		pending = append(pending, c)
	}
	if len(params) == 0 {
		return out, nil
	}

	answers, err := jc.Prompt(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaConflict, "schema conflicts were not resolved")
	}
	for _, c := range pending {
		s := Strategy(strings.ToUpper(fmt.Sprint(answers[c.name()])))
		if !c.allows(s) {
			return nil, errors.Newf(errors.ErrorTypeSchemaConflict, "strategy %s cannot resolve %s", s, c.name())
		}
		out = append(out, Resolution{Conflict: c, Strategy: s})
		storeStrategy(cfg, c, s)
		jc.Logger().Info("schema conflict resolved",
			zap.String("schema", c.Schema),
			zap.String("property", c.Property),
			zap.String("strategy", string(s)))
	}
	return out, nil
}

// ApplyStrategies rewrites the schemas so that every resolved property has
// exactly one non-null type or is removed
func ApplyStrategies(schemas map[string]*schema.SchemaDescriptor, resolutions []Resolution) {
	for _, r := range resolutions {
		c, s := r.Conflict, r.Strategy
		desc, ok := schemas[c.Schema]
		if !ok {
			continue
		}
		prop, ok := desc.Properties[c.Property]
		if !ok {
			continue
		}
		switch s {
		case Drop:
			delete(desc.Properties, c.Property)
		case CastToNumber:
			prop.CastTo(schema.Number)
		default:
			prop.CastTo(schema.String)
		}
	}
}
