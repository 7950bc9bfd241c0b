package suppression

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// StoreWindows implements WindowLookup by scanning the Store's windows kind.
// Maintenance windows are infrequent and low-cardinality, so a full scan
// filtered client-side by Active(now) is simpler than a time-range index and
// avoids growing the Store contract's small fixed index set.
type StoreWindows struct {
	st store.Store
}

// NewStoreWindows builds a WindowLookup backed by st.
func NewStoreWindows(st store.Store) *StoreWindows { return &StoreWindows{st: st} }

func (w *StoreWindows) ActiveWindows(ctx context.Context, now time.Time) ([]types.MaintenanceWindow, error) {
	it, err := w.st.ScanIndex(ctx, store.KindWindows, "", store.Range{})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var active []types.MaintenanceWindow
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		mw, ok := v.(types.MaintenanceWindow)
		if !ok {
			continue
		}
		if mw.Active(now) {
			active = append(active, mw)
		}
	}
	return active, nil
}

// StoreAlerts implements AlertLookup via the Store's correlation-key index.
type StoreAlerts struct {
	st store.Store
}

// NewStoreAlerts builds an AlertLookup backed by st.
func NewStoreAlerts(st store.Store) *StoreAlerts { return &StoreAlerts{st: st} }

func (a *StoreAlerts) LiveAlertByCorrelationKey(ctx context.Context, key string) (*types.Alert, error) {
	it, err := a.st.ScanIndex(ctx, store.KindAlerts, store.IndexAlertsByCorrelationKey, store.Range{Exact: key})
	if err != nil {
		if goerrors.Is(err, ierrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer it.Close()

	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		al, ok := v.(types.Alert)
		if !ok || !liveStatus(al.Status) {
			continue
		}
		return &al, nil
	}
}

// liveStatus is the status set that counts as an open duplicate target: a
// suppressed record is an audit entry, not a live alert, and a resolved one
// is terminal — neither should absorb a fresh ingress occurrence.
func liveStatus(s types.AlertStatus) bool {
	switch s {
	case types.AlertStatusActive, types.AlertStatusAcknowledged, types.AlertStatusEscalated:
		return true
	default:
		return false
	}
}
