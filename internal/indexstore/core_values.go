package indexstore

import (
	"context"
	"database/sql"
	"fmt"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

// coreValues holds the study and series attributes stored in columns.
type coreValues struct {
	patientID          sql.NullString
	patientName        sql.NullString
	referringPhysician sql.NullString
	studyDate          sql.NullInt64
	studyDescription   sql.NullString
	accessionNumber    sql.NullString
	patientBirthDate   sql.NullInt64

	modality              sql.NullString
	performedStepStart    sql.NullInt64
	manufacturerModelName sql.NullString
}

func extractCoreValues(ds *types.Dataset) (coreValues, error) {
	var c coreValues
	c.patientID = optString(ds, types.TagPatientID)
	c.patientName = optString(ds, types.TagPatientName)
	c.referringPhysician = optString(ds, types.TagReferringPhysicianName)
	c.studyDescription = optString(ds, types.TagStudyDescription)
	c.accessionNumber = optString(ds, types.TagAccessionNumber)
	c.modality = optString(ds, types.TagModality)
	c.manufacturerModelName = optString(ds, types.TagManufacturerModelName)

	var err error
	if c.studyDate, err = optDate(ds, types.TagStudyDate); err != nil {
		return c, err
	}
	if c.patientBirthDate, err = optDate(ds, types.TagPatientBirthDate); err != nil {
		return c, err
	}
	if c.performedStepStart, err = optDate(ds, types.TagPerformedProcedureStepStartDate); err != nil {
		return c, err
	}
	return c, nil
}

func optString(ds *types.Dataset, tag types.Tag) sql.NullString {
	v := ds.String(tag)
	return sql.NullString{String: v, Valid: v != ""}
}

func optDate(ds *types.Dataset, tag types.Tag) (sql.NullInt64, error) {
	raw := ds.String(tag)
	if raw == "" {
		return sql.NullInt64{}, nil
	}
	t, err := types.ParseDate(raw)
	if err != nil {
		return sql.NullInt64{}, ierrors.Wrap(ierrors.KindValidation, ierrors.CodeInvalidDate,
			fmt.Sprintf("invalid value for %s", tag.Keyword()), err)
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}, nil
}

// ensureStudy returns the key of the study row, inserting it without core
// values when missing. Core values are written when an instance is published.
func ensureStudy(ctx context.Context, tx *sql.Tx, id types.InstanceIdentifier) (int64, error) {
	var key int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO studies (partition_key, study_uid) VALUES (?, ?)
		ON CONFLICT (partition_key, study_uid) DO UPDATE SET study_uid = excluded.study_uid
		RETURNING study_key`,
		id.PartitionKey, id.StudyInstanceUID).Scan(&key)
	if err != nil {
		return 0, fmt.Errorf("ensure study: %w", err)
	}
	return key, nil
}

func ensureSeries(ctx context.Context, tx *sql.Tx, studyKey int64, id types.InstanceIdentifier) (int64, error) {
	var key int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO series (study_key, partition_key, series_uid) VALUES (?, ?, ?)
		ON CONFLICT (study_key, series_uid) DO UPDATE SET series_uid = excluded.series_uid
		RETURNING series_key`,
		studyKey, id.PartitionKey, id.SeriesInstanceUID).Scan(&key)
	if err != nil {
		return 0, fmt.Errorf("ensure series: %w", err)
	}
	return key, nil
}

// upsertStudy inserts or refreshes the study row and returns its key.
func upsertStudy(ctx context.Context, tx *sql.Tx, id types.InstanceIdentifier, c coreValues) (int64, error) {
	var key int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO studies (partition_key, study_uid, patient_id, patient_name, referring_physician_name,
			study_date, study_description, accession_number, patient_birth_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (partition_key, study_uid) DO UPDATE SET
			patient_id = excluded.patient_id,
			patient_name = excluded.patient_name,
			referring_physician_name = excluded.referring_physician_name,
			study_date = excluded.study_date,
			study_description = excluded.study_description,
			accession_number = excluded.accession_number,
			patient_birth_date = excluded.patient_birth_date
		RETURNING study_key`,
		id.PartitionKey, id.StudyInstanceUID, c.patientID, c.patientName, c.referringPhysician,
		c.studyDate, c.studyDescription, c.accessionNumber, c.patientBirthDate).Scan(&key)
	if err != nil {
		return 0, fmt.Errorf("upsert study: %w", err)
	}
	return key, nil
}

// upsertSeries inserts or refreshes the series row and returns its key.
func upsertSeries(ctx context.Context, tx *sql.Tx, studyKey int64, id types.InstanceIdentifier, c coreValues) (int64, error) {
	var key int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO series (study_key, partition_key, series_uid, modality,
			performed_procedure_step_start_date, manufacturer_model_name)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (study_key, series_uid) DO UPDATE SET
			modality = excluded.modality,
			performed_procedure_step_start_date = excluded.performed_procedure_step_start_date,
			manufacturer_model_name = excluded.manufacturer_model_name
		RETURNING series_key`,
		studyKey, id.PartitionKey, id.SeriesInstanceUID, c.modality, c.performedStepStart,
		c.manufacturerModelName).Scan(&key)
	if err != nil {
		return 0, fmt.Errorf("upsert series: %w", err)
	}
	return key, nil
}
