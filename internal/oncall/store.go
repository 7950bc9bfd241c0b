package oncall

import (
	"context"
	goerrors "errors"

	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// StoreTeamStore implements TeamStore against the durable Store. Schedules
// have no dedicated by-team index, so it scans the low-cardinality
// schedules kind and filters in
// process, the same pattern the in-memory Store's default case documents for
// collections that don't warrant an index of their own.
type StoreTeamStore struct {
	st store.Store
}

// NewStoreTeamStore builds a TeamStore backed by st.
func NewStoreTeamStore(st store.Store) *StoreTeamStore {
	return &StoreTeamStore{st: st}
}

func (s *StoreTeamStore) SchedulesForTeam(ctx context.Context, teamID string) ([]types.OnCallSchedule, error) {
	it, err := s.st.ScanIndex(ctx, store.KindSchedules, "", store.Range{})
	if err != nil {
		return nil, ierrors.NewTransient("oncall.schedules", err)
	}
	defer it.Close()

	var out []types.OnCallSchedule
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return nil, ierrors.NewTransient("oncall.schedules", err)
		}
		if !ok {
			break
		}
		sch := v.(types.OnCallSchedule)
		if sch.TeamID == teamID {
			out = append(out, sch)
		}
	}
	return out, nil
}

func (s *StoreTeamStore) Team(ctx context.Context, teamID string) (*types.Team, error) {
	v, err := s.st.Get(ctx, store.KindTeams, teamID)
	if err != nil {
		if goerrors.Is(err, ierrors.ErrNotFound) {
			return nil, nil
		}
		return nil, ierrors.NewTransient("oncall.team", err)
	}
	t := v.(types.Team)
	return &t, nil
}
