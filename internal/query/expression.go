// Package query defines the validated query expression produced by the
// query parser and evaluated by the index store.
package query

import (
	"fmt"
	"strings"

	"github.com/arkilian/dicomindex/pkg/types"
)

// ResourceType is the resource a query searches.
type ResourceType int

const (
	ResourceAllStudies ResourceType = iota
	ResourceAllSeries
	ResourceAllInstances
	ResourceStudySeries
	ResourceStudyInstances
	ResourceStudySeriesInstances
)

func (r ResourceType) String() string {
	switch r {
	case ResourceAllStudies:
		return "AllStudies"
	case ResourceAllSeries:
		return "AllSeries"
	case ResourceAllInstances:
		return "AllInstances"
	case ResourceStudySeries:
		return "StudySeries"
	case ResourceStudyInstances:
		return "StudyInstances"
	case ResourceStudySeriesInstances:
		return "StudySeriesInstances"
	default:
		return fmt.Sprintf("ResourceType(%d)", int(r))
	}
}

// Levels returns the attribute levels that can be filtered on for r.
func (r ResourceType) Levels() []types.Level {
	switch r {
	case ResourceAllStudies:
		return []types.Level{types.LevelStudy}
	case ResourceAllSeries:
		return []types.Level{types.LevelStudy, types.LevelSeries}
	case ResourceAllInstances:
		return []types.Level{types.LevelStudy, types.LevelSeries, types.LevelInstance}
	case ResourceStudySeries:
		return []types.Level{types.LevelSeries}
	case ResourceStudyInstances:
		return []types.Level{types.LevelSeries, types.LevelInstance}
	case ResourceStudySeriesInstances:
		return []types.Level{types.LevelInstance}
	}
	return nil
}

// ResultLevel is the level of the entities a query on r returns.
func (r ResourceType) ResultLevel() types.Level {
	switch r {
	case ResourceAllStudies:
		return types.LevelStudy
	case ResourceAllSeries, ResourceStudySeries:
		return types.LevelSeries
	default:
		return types.LevelInstance
	}
}

// RequiresStudyUID reports whether r is scoped to a study.
func (r ResourceType) RequiresStudyUID() bool {
	return r == ResourceStudySeries || r == ResourceStudyInstances || r == ResourceStudySeriesInstances
}

// RequiresSeriesUID reports whether r is scoped to a series.
func (r ResourceType) RequiresSeriesUID() bool {
	return r == ResourceStudySeriesInstances
}

// Attribute is a filterable attribute: a core attribute, or an extended
// query tag when Key is non-zero.
type Attribute struct {
	Tag   types.Tag
	VR    types.VR
	Level types.Level
	Key   int64
	Path  string
}

// IsExtended reports whether the attribute is an extended query tag.
func (a Attribute) IsExtended() bool {
	return a.Key != 0
}

func (a Attribute) String() string {
	if kw := a.Tag.Keyword(); kw != "" {
		return kw
	}
	return a.Tag.String()
}

// Condition is one filter of a query expression.
type Condition interface {
	conditionNode()
	Attribute() Attribute
	String() string
}

// EqualsCondition matches attributes equal to Value. Value is string,
// int64 or float64 in the stored form of the attribute's VR class.
type EqualsCondition struct {
	Attr  Attribute
	Value interface{}
}

func (c *EqualsCondition) conditionNode()       {}
func (c *EqualsCondition) Attribute() Attribute { return c.Attr }

func (c *EqualsCondition) String() string {
	return fmt.Sprintf("%s = %v", c.Attr, c.Value)
}

// RangeCondition matches attributes within [Min, Max] in stored form. A nil
// bound is open.
type RangeCondition struct {
	Attr Attribute
	Min  *int64
	Max  *int64
}

func (c *RangeCondition) conditionNode()       {}
func (c *RangeCondition) Attribute() Attribute { return c.Attr }

func (c *RangeCondition) String() string {
	bound := func(v *int64) string {
		if v == nil {
			return "*"
		}
		return fmt.Sprintf("%d", *v)
	}
	return fmt.Sprintf("%s BETWEEN %s AND %s", c.Attr, bound(c.Min), bound(c.Max))
}

// FuzzyCondition matches person names where every word of Value prefixes a
// word of a name component.
type FuzzyCondition struct {
	Attr  Attribute
	Value string
}

func (c *FuzzyCondition) conditionNode()       {}
func (c *FuzzyCondition) Attribute() Attribute { return c.Attr }

func (c *FuzzyCondition) String() string {
	return fmt.Sprintf("%s ~ %q", c.Attr, c.Value)
}

// Words splits the fuzzy value into the words that must all match.
func (c *FuzzyCondition) Words() []string {
	return strings.FieldsFunc(c.Value, func(r rune) bool {
		return r == ' ' || r == '^' || r == ','
	})
}

// IncludeFields selects the attributes returned with each result.
type IncludeFields struct {
	All  bool
	Tags []types.Tag
}

// Expression is a validated query. It is immutable once built.
type Expression struct {
	resource      ResourceType
	includeFields IncludeFields
	fuzzy         bool
	limit         int
	offset        int
	filters       []Condition
	erroneousTags []string
}

// NewExpression builds an expression. The slices are copied.
func NewExpression(resource ResourceType, include IncludeFields, fuzzy bool, limit, offset int, filters []Condition, erroneousTags []string) *Expression {
	include.Tags = append([]types.Tag(nil), include.Tags...)
	return &Expression{
		resource:      resource,
		includeFields: include,
		fuzzy:         fuzzy,
		limit:         limit,
		offset:        offset,
		filters:       append([]Condition(nil), filters...),
		erroneousTags: append([]string(nil), erroneousTags...),
	}
}

func (e *Expression) Resource() ResourceType { return e.resource }
func (e *Expression) FuzzyMatching() bool    { return e.fuzzy }
func (e *Expression) Limit() int             { return e.limit }
func (e *Expression) Offset() int            { return e.offset }

// IncludeFields returns a copy of the include-field selection.
func (e *Expression) IncludeFields() IncludeFields {
	inc := e.includeFields
	inc.Tags = append([]types.Tag(nil), inc.Tags...)
	return inc
}

// Filters returns the filter conditions in request order.
func (e *Expression) Filters() []Condition {
	return append([]Condition(nil), e.filters...)
}

// ErroneousTags lists filtered extended tag paths that have recorded
// extraction errors, so results may be incomplete.
func (e *Expression) ErroneousTags() []string {
	return append([]string(nil), e.erroneousTags...)
}

// String returns a readable form of the expression for logs.
func (e *Expression) String() string {
	var sb strings.Builder
	sb.WriteString(e.resource.String())
	if len(e.filters) > 0 {
		parts := make([]string, len(e.filters))
		for i, f := range e.filters {
			parts[i] = f.String()
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(parts, " AND "))
	}
	if e.fuzzy {
		sb.WriteString(" FUZZY")
	}
	sb.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", e.limit, e.offset))
	return sb.String()
}
