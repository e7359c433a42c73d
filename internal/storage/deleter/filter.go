package deleter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/studyonstoragegroup"
	"github.com/oklog/ulid/v2"
)

type membershipKey struct {
	studyId ulid.ULID
	groupId string
}

// FilterMarked detaches every instance of a study marked for deletion on the group of the
// location from it and returns the locations nobody refers to anymore. The memberships of
// those studies are removed as well as instances left without any location.
// Locations still referenced by unmarked studies are dropped from the result.
func (d *Deleter) FilterMarked(ctx context.Context, locationIds []ulid.ULID) ([]ulid.ULID, error) {
	result := []ulid.ULID{}
	err := database.RunInTx(ctx, d.db, false, func(tx *sql.Tx) error {
		result = result[:0]
		memberships := map[membershipKey]*studyonstoragegroup.Entity{}
		studyOfSeries := map[ulid.ULID]ulid.ULID{}

		membershipOf := func(seriesId ulid.ULID, groupId string) (*studyonstoragegroup.Entity, error) {
			studyId, ok := studyOfSeries[seriesId]
			if !ok {
				s, err := d.repos.Series.FindSeriesById(ctx, tx, seriesId)
				if err != nil {
					return nil, err
				}
				if s == nil {
					return nil, nil
				}
				studyId = s.StudyId
				studyOfSeries[seriesId] = studyId
			}
			key := membershipKey{studyId: studyId, groupId: groupId}
			membership, ok := memberships[key]
			if !ok {
				var err error
				membership, err = d.repos.StudyOnStorageGroup.FindStudyOnStorageGroupByStudyIdAndStorageGroupId(ctx, tx, studyId, groupId)
				if err != nil {
					return nil, err
				}
				memberships[key] = membership
			}
			return membership, nil
		}

		for _, locationId := range locationIds {
			l, err := d.repos.Location.FindLocationById(ctx, tx, locationId)
			if err != nil {
				return err
			}
			if l == nil {
				continue
			}
			instances, err := d.repos.Instance.FindInstancesByLocationId(ctx, tx, locationId)
			if err != nil {
				return err
			}
			for _, i := range instances {
				membership, err := membershipOf(i.SeriesId, l.StorageGroupId)
				if err != nil {
					return err
				}
				if membership == nil || !membership.MarkedForDeletion {
					continue
				}
				if _, err := d.locations.Detach(ctx, tx, *i.Id, locationId); err != nil {
					return err
				}
				remaining, err := d.repos.Location.FindLocationsByInstanceId(ctx, tx, *i.Id)
				if err != nil {
					return err
				}
				if len(remaining) == 0 {
					slog.Debug(fmt.Sprintf("Removing instance %s without locations", i.SopInstanceUid))
					if err := d.repos.Instance.DeleteInstanceById(ctx, tx, *i.Id); err != nil {
						return err
					}
				}
			}
			orphaned, err := d.locations.IsOrphaned(ctx, tx, locationId)
			if err != nil {
				return err
			}
			if orphaned {
				result = append(result, locationId)
			} else {
				slog.Debug(fmt.Sprintf("Location %s is still referenced by studies not marked for deletion", locationId))
			}
		}

		for key, membership := range memberships {
			if membership == nil || !membership.MarkedForDeletion {
				continue
			}
			slog.Debug(fmt.Sprintf("Removing study %s from storage group %s", key.studyId, key.groupId))
			if err := d.repos.StudyOnStorageGroup.DeleteStudyOnStorageGroupById(ctx, tx, *membership.Id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
