package engine

import (
	"context"

	"github.com/spinleaf/scenario-engine/internal/events"
	"github.com/spinleaf/scenario-engine/internal/store"
)

// Restore resubmits instances left in status running by a crash. The
// dispatch ledger makes re-entering an action node safe; waiting
// instances need nothing here because their wakeAt is persisted and the
// scheduler sweep will pick them up.
func Restore(ctx context.Context, st store.Store, submit func(instanceID string), limit int) (int, error) {
	ids, err := st.RunningInstanceIDs(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		submit(id)
	}
	if len(ids) > 0 {
		events.Emit("info", "system.startup_restore", "resuming interrupted instances", map[string]interface{}{
			"count": len(ids),
		})
	}
	return len(ids), nil
}
