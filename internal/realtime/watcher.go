package realtime

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/sgrodzki/InvestSync/internal/events"
	"github.com/sgrodzki/InvestSync/internal/ledger"
	"github.com/sgrodzki/InvestSync/internal/notification"
	"github.com/sgrodzki/InvestSync/internal/store"
)

// SnapshotSource recomputes a user's portfolio aggregate on demand.
type SnapshotSource interface {
	Snapshot(ctx context.Context, userID string) (*ledger.PortfolioSnapshot, error)
}

// Watcher is the second event origin: it consumes the store's change
// streams, so mutations made outside the API path still reach live
// sessions. The same logical change may also have been emitted directly by
// the ledger engine; payloads carry (id, updatedAt), so duplicate delivery
// is harmless for consumers.
type Watcher struct {
	store     store.Store
	hub       *Hub
	snapshots SnapshotSource
	log       *logrus.Logger
}

func NewWatcher(s store.Store, hub *Hub, snapshots SnapshotSource, log *logrus.Logger) *Watcher {
	return &Watcher{store: s, hub: hub, snapshots: snapshots, log: log}
}

// Run subscribes to the watched collections and dispatches until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	collections := []string{
		ledger.CollTransactions,
		ledger.CollInvestments,
		notification.CollNotifications,
	}
	for _, collection := range collections {
		ch, err := w.store.Watch(ctx, collection)
		if err != nil {
			return err
		}
		go w.consume(ctx, ch)
	}
	return nil
}

func (w *Watcher) consume(ctx context.Context, ch <-chan store.ChangeEvent) {
	for ev := range ch {
		w.dispatch(ctx, ev)
	}
}

func (w *Watcher) dispatch(ctx context.Context, ev store.ChangeEvent) {
	// Removals are not pushed; consumers re-query on demand.
	if ev.Type == store.ChangeRemoved || len(ev.Doc) == 0 {
		return
	}

	var owner struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(ev.Doc, &owner); err != nil || owner.UserID == "" {
		w.log.WithField("collection", ev.Collection).WithField("id", ev.ID).
			Warn("change event without resolvable owner")
		return
	}
	payload := json.RawMessage(ev.Doc)

	switch ev.Collection {
	case ledger.CollTransactions:
		event := events.TransactionUpdate
		if ev.Type == store.ChangeAdded {
			event = events.TransactionCreated
		}
		w.hub.SendToUser(owner.UserID, event, payload)

	case ledger.CollInvestments:
		event := events.InvestmentUpdate
		if ev.Type == store.ChangeAdded {
			event = events.InvestmentCreated
		}
		w.hub.SendToUser(owner.UserID, event, payload)
		w.pushSnapshot(ctx, owner.UserID)

	case notification.CollNotifications:
		if ev.Type == store.ChangeAdded {
			w.hub.SendToUser(owner.UserID, events.NotificationNew, payload)
		}
	}
}

func (w *Watcher) pushSnapshot(ctx context.Context, userID string) {
	snap, err := w.snapshots.Snapshot(ctx, userID)
	if err != nil {
		w.log.WithError(err).WithField("user", userID).Warn("could not compute portfolio snapshot")
		return
	}
	w.hub.SendToUser(userID, events.PortfolioUpdate, snap)
}
