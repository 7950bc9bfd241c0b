// Package oncall implements the On-Call Resolver:
// (team, instant) → contact.
package oncall

import (
	"context"
	"sort"
	"time"

	"github.com/constitutional-mesh/iaer/pkg/types"
)

// TeamStore resolves a team's schedules and member list.
type TeamStore interface {
	SchedulesForTeam(ctx context.Context, teamID string) ([]types.OnCallSchedule, error)
	Team(ctx context.Context, teamID string) (*types.Team, error)
}

// Resolver implements resolve(team, now) → contact_id | none.
type Resolver struct {
	store         TeamStore
	defaultContact string
}

// New builds a Resolver. defaultContact is the fallback contact_id surfaced
// when a team has no members at all.
func New(store TeamStore, defaultContact string) *Resolver {
	return &Resolver{store: store, defaultContact: defaultContact}
}

// ErrNoContact is returned when no schedule, no member, and no configured
// default contact exist for the team.
type ErrNoContact struct{ TeamID string }

func (e *ErrNoContact) Error() string { return "oncall: no contact resolvable for team " + e.TeamID }

// Resolve picks the responsible contact: the unique active schedule
// with the greatest start wins (ties broken by lexicographically smallest
// schedule_id); its override if set, else its primary; falling back to the
// team's first listed member if no schedule matches, and to the default
// contact if the team has no members.
func (r *Resolver) Resolve(ctx context.Context, teamID string, now time.Time) (string, error) {
	schedules, err := r.store.SchedulesForTeam(ctx, teamID)
	if err != nil {
		return "", err
	}

	active := make([]types.OnCallSchedule, 0, len(schedules))
	for _, s := range schedules {
		if s.Active(now) {
			active = append(active, s)
		}
	}

	if len(active) > 0 {
		sort.Slice(active, func(i, j int) bool {
			if !active[i].Start.Equal(active[j].Start) {
				return active[i].Start.After(active[j].Start)
			}
			return active[i].ScheduleID < active[j].ScheduleID
		})
		winner := active[0]
		if winner.OverrideContactID != "" {
			return winner.OverrideContactID, nil
		}
		return winner.PrimaryContactID, nil
	}

	team, err := r.store.Team(ctx, teamID)
	if err != nil {
		return "", err
	}
	if team != nil && len(team.MemberContactIDs) > 0 {
		return team.MemberContactIDs[0], nil
	}

	if r.defaultContact != "" {
		return r.defaultContact, nil
	}
	return "", &ErrNoContact{TeamID: teamID}
}
