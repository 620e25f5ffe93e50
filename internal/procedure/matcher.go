package procedure

import (
	"context"
	"strings"

	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

const matchLimit = 100

// FindMatching returns the first enabled procedure whose trigger fires on
// the message, in storage order. Keyword triggers hold a comma-separated
// keyword list and fire when any keyword appears as a substring of the
// lowercased message; intent triggers fire when the condition string itself
// appears; manual triggers never fire here.
func FindMatching(ctx context.Context, st store.ProcedureStore, tenantID, message string) (*models.Procedure, error) {
	procs, err := st.ListProcedures(ctx, tenantID, true, matchLimit)
	if err != nil {
		return nil, err
	}

	lowered := strings.ToLower(message)
	for i := range procs {
		if triggerMatches(procs[i].Trigger, lowered) {
			return &procs[i], nil
		}
	}
	return nil, nil
}

func triggerMatches(t models.Trigger, lowered string) bool {
	cond := strings.ToLower(strings.TrimSpace(t.Condition))
	if cond == "" {
		return false
	}
	switch t.Type {
	case models.TriggerKeyword:
		for _, kw := range strings.Split(cond, ",") {
			kw = strings.TrimSpace(kw)
			if kw != "" && strings.Contains(lowered, kw) {
				return true
			}
		}
	case models.TriggerIntent:
		return strings.Contains(lowered, cond)
	}
	return false
}
