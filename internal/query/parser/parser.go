// Package parser turns query request parameters into a validated
// query.Expression.
package parser

import (
	"fmt"
	"strings"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/internal/observability"
	"github.com/arkilian/dicomindex/internal/query"
	"github.com/arkilian/dicomindex/pkg/types"
)

const (
	DefaultLimit = 100
	MaxLimit     = 200

	includeAll = "all"
)

// Filter is one raw key/value filter from a request, in request order.
type Filter struct {
	Key   string
	Value string
}

// Parameters are the raw inputs of a query request.
type Parameters struct {
	Resource      query.ResourceType
	Filters       []Filter
	FuzzyMatching bool
	IncludeFields []string
	// Limit of 0 selects the default limit.
	Limit  int
	Offset int

	// StudyInstanceUID and SeriesInstanceUID are the path identifiers of
	// study- and series-scoped resources.
	StudyInstanceUID  string
	SeriesInstanceUID string
}

// Parser validates query parameters against the queryable attribute set.
type Parser struct {
	defaultLimit int
	maxLimit     int
	stats        *observability.QueryTagStats
}

// NewParser creates a parser with the given limits. Non-positive values
// select DefaultLimit and MaxLimit.
func NewParser(defaultLimit, maxLimit int) *Parser {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	return &Parser{defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// WithStats records the filters of every parsed expression in stats.
func (p *Parser) WithStats(stats *observability.QueryTagStats) *Parser {
	p.stats = stats
	return p
}

// Parse validates params. queryable is the set of queryable extended query
// tags; tags that are not Ready with querying enabled are ignored.
func (p *Parser) Parse(params Parameters, queryable []types.ExtendedQueryTag) (*query.Expression, error) {
	expr, err := p.parse(params, queryable)
	if err != nil {
		result := ierrors.GetCode(err)
		if result == "" {
			result = "error"
		}
		observability.QueryParseResults.WithLabelValues(params.Resource.String(), result).Inc()
		return nil, err
	}
	observability.QueryParseResults.WithLabelValues(params.Resource.String(), "ok").Inc()

	if p.stats != nil {
		for _, c := range expr.Filters() {
			attr := c.Attribute()
			name := attr.String()
			if attr.IsExtended() {
				name = attr.Path
			}
			p.stats.Record(name, conditionKind(c), attr.IsExtended())
		}
	}
	return expr, nil
}

func conditionKind(c query.Condition) string {
	switch c.(type) {
	case *query.RangeCondition:
		return "range"
	case *query.FuzzyCondition:
		return "fuzzy"
	default:
		return "equals"
	}
}

func (p *Parser) parse(params Parameters, queryable []types.ExtendedQueryTag) (*query.Expression, error) {
	limit, offset, err := p.parsePaging(params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}
	include, err := parseIncludeFields(params.IncludeFields)
	if err != nil {
		return nil, err
	}

	candidates := candidateAttributes(params.Resource, queryable)
	errorCounts := make(map[int64]int64, len(queryable))
	for _, t := range queryable {
		errorCounts[t.Key] = t.ErrorCount
	}

	var (
		filters   []query.Condition
		seen      = make(map[types.Tag]bool)
		erroneous []string
	)
	fromPath := pathTags(params.Resource)
	for _, f := range params.Filters {
		if tag, err := types.ParseTag(strings.TrimSpace(f.Key)); err == nil && fromPath[tag] {
			return nil, ierrors.Validation(ierrors.CodeDuplicateAttribute,
				fmt.Sprintf("%s is given by the resource path and cannot also be a filter", tag.Keyword()))
		}
		attr, err := resolve(f.Key, candidates)
		if err != nil {
			return nil, err
		}
		if seen[attr.Tag] {
			return nil, ierrors.Validation(ierrors.CodeDuplicateAttribute,
				fmt.Sprintf("attribute %s is specified more than once", attr))
		}
		seen[attr.Tag] = true

		cond, err := parseCondition(attr, f.Value)
		if err != nil {
			return nil, err
		}
		if params.FuzzyMatching {
			cond = fuzzy(cond)
		}
		filters = append(filters, cond)

		if attr.IsExtended() && errorCounts[attr.Key] > 0 {
			erroneous = append(erroneous, attr.Path)
		}
	}

	filters, err = injectUIDs(params, filters, seen)
	if err != nil {
		return nil, err
	}

	return query.NewExpression(params.Resource, include, params.FuzzyMatching, limit, offset, filters, erroneous), nil
}

func (p *Parser) parsePaging(limit, offset int) (int, int, error) {
	switch {
	case limit < 0:
		return 0, 0, ierrors.Validation(ierrors.CodeInvalidQueryParam, "limit must not be negative")
	case limit == 0:
		limit = p.defaultLimit
	case limit > p.maxLimit:
		return 0, 0, ierrors.ResourceExhausted(ierrors.CodeMaxQueryLimit,
			fmt.Sprintf("limit %d exceeds the maximum of %d", limit, p.maxLimit))
	}
	if offset < 0 {
		return 0, 0, ierrors.Validation(ierrors.CodeInvalidQueryParam, "offset must not be negative")
	}
	return limit, offset, nil
}

func parseIncludeFields(fields []string) (query.IncludeFields, error) {
	var inc query.IncludeFields
	for _, raw := range fields {
		for _, f := range strings.Split(raw, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if strings.EqualFold(f, includeAll) {
				inc.All = true
				continue
			}
			tag, err := types.ParseTag(f)
			if err != nil {
				return inc, ierrors.Validation(ierrors.CodeInvalidIncludeField,
					fmt.Sprintf("unknown include field %q", f))
			}
			inc.Tags = append(inc.Tags, tag)
		}
	}
	if inc.All && len(inc.Tags) > 0 {
		return query.IncludeFields{}, ierrors.Validation(ierrors.CodeInvalidIncludeField,
			"includefield=all cannot be combined with other include fields")
	}
	return inc, nil
}

// candidateAttributes returns the attributes filterable for resource: the
// core attributes and queryable extended tags at one of its levels.
func candidateAttributes(resource query.ResourceType, queryable []types.ExtendedQueryTag) map[types.Tag]query.Attribute {
	levels := make(map[types.Level]bool)
	for _, l := range resource.Levels() {
		levels[l] = true
	}

	out := make(map[types.Tag]query.Attribute)
	for _, c := range types.CoreAttributes {
		if levels[c.Level] {
			out[c.Tag] = query.Attribute{Tag: c.Tag, VR: c.VR, Level: c.Level}
		}
	}
	for _, t := range queryable {
		if !t.Queryable() || !levels[t.Level] {
			continue
		}
		tag, err := t.Tag()
		if err != nil {
			continue
		}
		out[tag] = query.Attribute{Tag: tag, VR: t.VR, Level: t.Level, Key: t.Key, Path: t.Path}
	}
	return out
}

func resolve(key string, candidates map[types.Tag]query.Attribute) (query.Attribute, error) {
	tag, err := types.ParseTag(strings.TrimSpace(key))
	if err != nil {
		return query.Attribute{}, ierrors.Validation(ierrors.CodeUnknownParameter,
			fmt.Sprintf("unknown query parameter %q", key))
	}
	attr, ok := candidates[tag]
	if !ok {
		return query.Attribute{}, ierrors.Validation(ierrors.CodeUnknownParameter,
			fmt.Sprintf("attribute %q is not queryable for this resource", key))
	}
	return attr, nil
}

// fuzzy rewrites an exact person-name match into a fuzzy match. It runs on
// parsed conditions so exact-match validation has already applied.
func fuzzy(cond query.Condition) query.Condition {
	eq, ok := cond.(*query.EqualsCondition)
	if !ok || eq.Attr.VR.Class() != types.VRClassPersonName {
		return cond
	}
	return &query.FuzzyCondition{Attr: eq.Attr, Value: eq.Value.(string)}
}

// pathTags reports the identifiers a scoped resource takes from its path.
func pathTags(r query.ResourceType) map[types.Tag]bool {
	tags := make(map[types.Tag]bool, 2)
	if r.RequiresStudyUID() {
		tags[types.TagStudyInstanceUID] = true
	}
	if r.RequiresSeriesUID() {
		tags[types.TagSeriesInstanceUID] = true
	}
	return tags
}

// injectUIDs adds the path identifiers of scoped resources as exact matches.
func injectUIDs(params Parameters, filters []query.Condition, seen map[types.Tag]bool) ([]query.Condition, error) {
	inject := func(tag types.Tag, uid string) error {
		if strings.TrimSpace(uid) == "" {
			return ierrors.Validation(ierrors.CodeInvalidIdentifier,
				fmt.Sprintf("%s is required for %s queries", tag.Keyword(), params.Resource))
		}
		if seen[tag] {
			return ierrors.Validation(ierrors.CodeDuplicateAttribute,
				fmt.Sprintf("%s is given by the resource path and cannot also be a filter", tag.Keyword()))
		}
		seen[tag] = true
		attr := query.Attribute{Tag: tag, VR: types.VRUI, Level: types.LevelStudy}
		if tag == types.TagSeriesInstanceUID {
			attr.Level = types.LevelSeries
		}
		filters = append(filters, &query.EqualsCondition{Attr: attr, Value: strings.TrimSpace(uid)})
		return nil
	}

	if params.Resource.RequiresStudyUID() {
		if err := inject(types.TagStudyInstanceUID, params.StudyInstanceUID); err != nil {
			return nil, err
		}
	}
	if params.Resource.RequiresSeriesUID() {
		if err := inject(types.TagSeriesInstanceUID, params.SeriesInstanceUID); err != nil {
			return nil, err
		}
	}
	return filters, nil
}
