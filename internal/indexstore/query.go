package indexstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/arkilian/dicomindex/internal/query"
	"github.com/arkilian/dicomindex/pkg/types"
)

// QueryStore evaluates parsed query expressions.
type QueryStore interface {
	Query(ctx context.Context, expr *query.Expression) ([]types.VersionedInstanceIdentifier, error)
}

var _ QueryStore = (*Store)(nil)

// coreColumns maps core attributes to their columns in the query join.
var coreColumns = map[types.Tag]string{
	types.TagStudyInstanceUID:                "i.study_uid",
	types.TagSeriesInstanceUID:               "i.series_uid",
	types.TagSOPInstanceUID:                  "i.sop_uid",
	types.TagPatientID:                       "st.patient_id",
	types.TagPatientName:                     "st.patient_name",
	types.TagReferringPhysicianName:          "st.referring_physician_name",
	types.TagStudyDate:                       "st.study_date",
	types.TagStudyDescription:                "st.study_description",
	types.TagAccessionNumber:                 "st.accession_number",
	types.TagPatientBirthDate:                "st.patient_birth_date",
	types.TagModality:                        "se.modality",
	types.TagPerformedProcedureStepStartDate: "se.performed_procedure_step_start_date",
	types.TagManufacturerModelName:           "se.manufacturer_model_name",
}

// Query returns the Created instances matching expr, ordered by watermark.
// Study and series resources yield one identifier per entity, taken from its
// newest instance.
func (s *Store) Query(ctx context.Context, expr *query.Expression) ([]types.VersionedInstanceIdentifier, error) {
	sqlText, args, err := buildQuery(expr)
	if err != nil {
		return nil, err
	}
	rows, err := s.readDB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, storeError("query", err)
	}
	defer rows.Close()
	return scanVersionedIdentifiers(rows)
}

func buildQuery(expr *query.Expression) (string, []interface{}, error) {
	var (
		where = []string{"i.status = 1"}
		args  []interface{}
	)
	for _, f := range expr.Filters() {
		clause, a, err := conditionSQL(f)
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
		args = append(args, a...)
	}

	switch expr.Resource().ResultLevel() {
	case types.LevelStudy:
		where = append(where, `i.watermark = (SELECT MAX(i2.watermark) FROM instances i2 WHERE i2.study_key = i.study_key AND i2.status = 1)`)
	case types.LevelSeries:
		where = append(where, `i.watermark = (SELECT MAX(i2.watermark) FROM instances i2 WHERE i2.series_key = i.series_key AND i2.status = 1)`)
	}

	sqlText := `
		SELECT i.partition_key, i.study_uid, i.series_uid, i.sop_uid, i.watermark
		FROM instances i
		JOIN studies st ON st.study_key = i.study_key
		JOIN series se ON se.series_key = i.series_key
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY i.watermark
		LIMIT ? OFFSET ?`
	args = append(args, expr.Limit(), expr.Offset())
	return sqlText, args, nil
}

// conditionSQL renders one condition. Core attributes compare their column;
// extended attributes test for a matching value row at the tag's level.
func conditionSQL(c query.Condition) (string, []interface{}, error) {
	attr := c.Attribute()
	if attr.IsExtended() {
		table, ok := valueTableFor(attr.VR.Class())
		if !ok {
			return "", nil, fmt.Errorf("indexstore: attribute %s has no value table", attr)
		}
		inner, args := predicateSQL(c, "v.tag_value")
		return fmt.Sprintf(`EXISTS (SELECT 1 FROM %s v WHERE v.tag_key = ? AND %s AND %s)`,
			table, levelJoin(attr.Level), inner), append([]interface{}{attr.Key}, args...), nil
	}

	column, ok := coreColumns[attr.Tag]
	if !ok {
		return "", nil, fmt.Errorf("indexstore: attribute %s is not a core attribute", attr)
	}
	clause, args := predicateSQL(c, column)
	return clause, args, nil
}

func levelJoin(level types.Level) string {
	switch level {
	case types.LevelStudy:
		return "v.study_key = i.study_key AND v.series_key = 0 AND v.instance_key = 0"
	case types.LevelSeries:
		return "v.study_key = i.study_key AND v.series_key = i.series_key AND v.instance_key = 0"
	default:
		return "v.study_key = i.study_key AND v.series_key = i.series_key AND v.instance_key = i.instance_key"
	}
}

func predicateSQL(c query.Condition, column string) (string, []interface{}) {
	switch cond := c.(type) {
	case *query.EqualsCondition:
		return column + " = ?", []interface{}{cond.Value}
	case *query.RangeCondition:
		var parts []string
		var args []interface{}
		if cond.Min != nil {
			parts = append(parts, column+" >= ?")
			args = append(args, *cond.Min)
		}
		if cond.Max != nil {
			parts = append(parts, column+" <= ?")
			args = append(args, *cond.Max)
		}
		if len(parts) == 0 {
			return column + " IS NOT NULL", nil
		}
		return "(" + strings.Join(parts, " AND ") + ")", args
	case *query.FuzzyCondition:
		words := cond.Words()
		if len(words) == 0 {
			return column + " IS NOT NULL", nil
		}
		var parts []string
		var args []interface{}
		for _, w := range words {
			w = escapeLike(w)
			parts = append(parts, fmt.Sprintf(`(%[1]s LIKE ? ESCAPE '\' OR %[1]s LIKE ? ESCAPE '\' OR %[1]s LIKE ? ESCAPE '\')`, column))
			args = append(args, w+"%", "% "+w+"%", "%^"+w+"%")
		}
		return "(" + strings.Join(parts, " AND ") + ")", args
	}
	return "1 = 0", nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
