package series

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

type Repository interface {
	SaveSeries(ctx context.Context, tx *sql.Tx, series *Entity) error
	FindSeriesById(ctx context.Context, tx *sql.Tx, seriesId ulid.ULID) (*Entity, error)
	FindSeriesBySeriesInstanceUid(ctx context.Context, tx *sql.Tx, seriesInstanceUid string) (*Entity, error)
	// FindRejectedSeriesWithoutLocations returns rejected series whose instances hold no location.
	FindRejectedSeriesWithoutLocations(ctx context.Context, tx *sql.Tx, limit int) ([]Entity, error)
	FindSeriesByStudyId(ctx context.Context, tx *sql.Tx, studyId ulid.ULID) ([]Entity, error)
	DeleteSeriesById(ctx context.Context, tx *sql.Tx, seriesId ulid.ULID) error
}

type Entity struct {
	Id                *ulid.ULID
	StudyId           ulid.ULID
	SeriesInstanceUid string
	Modality          *string
	SourceAET         *string
	Rejected          bool
	Attributes        []byte
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
