package pgx

import (
	"context"
	"database/sql"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/series"
	"github.com/oklog/ulid/v2"
)

type pgxRepository struct {
}

const (
	insertSeriesStmt                       = "INSERT INTO series (id, study_id, series_instance_uid, modality, source_aet, rejected, attributes, version, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"
	updateSeriesByIdAndVersionStmt         = "UPDATE series SET study_id = $1, series_instance_uid = $2, modality = $3, source_aet = $4, rejected = $5, attributes = $6, version = version + 1, updated_at = $7 WHERE id = $8 AND version = $9"
	findSeriesByIdStmt                     = "SELECT id, study_id, series_instance_uid, modality, source_aet, rejected, attributes, version, created_at, updated_at FROM series WHERE id = $1"
	findSeriesBySeriesInstanceUidStmt      = "SELECT id, study_id, series_instance_uid, modality, source_aet, rejected, attributes, version, created_at, updated_at FROM series WHERE series_instance_uid = $1"
	findSeriesByStudyIdStmt                = "SELECT id, study_id, series_instance_uid, modality, source_aet, rejected, attributes, version, created_at, updated_at FROM series WHERE study_id = $1 ORDER BY id ASC"
	findRejectedSeriesWithoutLocationsStmt = "SELECT se.id, se.study_id, se.series_instance_uid, se.modality, se.source_aet, se.rejected, se.attributes, se.version, se.created_at, se.updated_at FROM series se WHERE se.rejected = $1 AND NOT EXISTS (SELECT 1 FROM instances i JOIN instance_locations il ON il.instance_id = i.id WHERE i.series_id = se.id) ORDER BY se.id ASC LIMIT $2"
	deleteSeriesByIdStmt                   = "DELETE FROM series WHERE id = $1"
)

func NewRepository() (series.Repository, error) {
	return &pgxRepository{}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func convertRowToSeriesEntity(seriesRow rowScanner) (*series.Entity, error) {
	var id string
	var studyId string
	var seriesInstanceUid string
	var modality *string
	var sourceAET *string
	var rejected bool
	var attributes []byte
	var version int64
	var createdAt time.Time
	var updatedAt time.Time
	err := seriesRow.Scan(&id, &studyId, &seriesInstanceUid, &modality, &sourceAET, &rejected, &attributes, &version, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	return &series.Entity{
		Id:                &ulidId,
		StudyId:           ulid.MustParse(studyId),
		SeriesInstanceUid: seriesInstanceUid,
		Modality:          modality,
		SourceAET:         sourceAET,
		Rejected:          rejected,
		Attributes:        attributes,
		Version:           version,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}

func (sr *pgxRepository) SaveSeries(ctx context.Context, tx *sql.Tx, series *series.Entity) error {
	if series.Id == nil {
		id := ulid.Make()
		series.Id = &id
		series.Version = 0
		series.CreatedAt = time.Now().UTC()
		series.UpdatedAt = series.CreatedAt
		_, err := tx.ExecContext(ctx, insertSeriesStmt, series.Id.String(), series.StudyId.String(), series.SeriesInstanceUid, series.Modality, series.SourceAET, series.Rejected, series.Attributes, series.Version, series.CreatedAt, series.UpdatedAt)
		if err != nil {
			series.Id = nil
			return database.TranslateError(err)
		}
		return nil
	}
	updatedAt := time.Now().UTC()
	result, err := tx.ExecContext(ctx, updateSeriesByIdAndVersionStmt, series.StudyId.String(), series.SeriesInstanceUid, series.Modality, series.SourceAET, series.Rejected, series.Attributes, updatedAt, series.Id.String(), series.Version)
	if err != nil {
		return database.TranslateError(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return database.ErrOptimisticLock
	}
	series.Version++
	series.UpdatedAt = updatedAt
	return nil
}

func (sr *pgxRepository) FindSeriesById(ctx context.Context, tx *sql.Tx, seriesId ulid.ULID) (*series.Entity, error) {
	row := tx.QueryRowContext(ctx, findSeriesByIdStmt, seriesId.String())
	return convertRowToSeriesEntity(row)
}

func (sr *pgxRepository) FindSeriesBySeriesInstanceUid(ctx context.Context, tx *sql.Tx, seriesInstanceUid string) (*series.Entity, error) {
	row := tx.QueryRowContext(ctx, findSeriesBySeriesInstanceUidStmt, seriesInstanceUid)
	return convertRowToSeriesEntity(row)
}

func (sr *pgxRepository) findSeries(ctx context.Context, tx *sql.Tx, stmt string, args ...any) ([]series.Entity, error) {
	seriesRows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer seriesRows.Close()
	seriesList := []series.Entity{}
	for seriesRows.Next() {
		seriesEntity, err := convertRowToSeriesEntity(seriesRows)
		if err != nil {
			return nil, err
		}
		seriesList = append(seriesList, *seriesEntity)
	}
	return seriesList, seriesRows.Err()
}

func (sr *pgxRepository) FindRejectedSeriesWithoutLocations(ctx context.Context, tx *sql.Tx, limit int) ([]series.Entity, error) {
	return sr.findSeries(ctx, tx, findRejectedSeriesWithoutLocationsStmt, true, limit)
}

func (sr *pgxRepository) FindSeriesByStudyId(ctx context.Context, tx *sql.Tx, studyId ulid.ULID) ([]series.Entity, error) {
	return sr.findSeries(ctx, tx, findSeriesByStudyIdStmt, studyId.String())
}

func (sr *pgxRepository) DeleteSeriesById(ctx context.Context, tx *sql.Tx, seriesId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, deleteSeriesByIdStmt, seriesId.String())
	return err
}
