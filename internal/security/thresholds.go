package security

import (
	"fmt"
	"time"
)

type Threshold struct {
	Action ActionType
	Count  int
	Window time.Duration
}

// Thresholds is the process-wide threshold table. It is built once at
// startup and only read afterwards.
type Thresholds struct {
	table map[ActionType]Threshold
}

func DefaultThresholds() Thresholds {
	return NewThresholds([]Threshold{
		{Action: ActionMassDelete, Count: 5, Window: 10 * time.Second},
		{Action: ActionMassBan, Count: 3, Window: 10 * time.Second},
		{Action: ActionMassKick, Count: 3, Window: 10 * time.Second},
		{Action: ActionMassRoleDelete, Count: 3, Window: 10 * time.Second},
		{Action: ActionUserJoins, Count: 10, Window: 10 * time.Second},
		{Action: ActionMessageSends, Count: 8, Window: 5 * time.Second},
		{Action: ActionMentionSpam, Count: 3, Window: 10 * time.Second},
		{Action: ActionBan, Count: 3, Window: 10 * time.Second},
		{Action: ActionChannelDelete, Count: 3, Window: 10 * time.Second},
		{Action: ActionRoleDelete, Count: 3, Window: 10 * time.Second},
		{Action: ActionWebhookCreate, Count: 3, Window: 10 * time.Second},
	})
}

func NewThresholds(entries []Threshold) Thresholds {
	table := make(map[ActionType]Threshold, len(entries))
	for _, entry := range entries {
		table[entry.Action] = entry
	}
	return Thresholds{table: table}
}

// With returns a copy of t with the given entries replacing existing ones.
func (t Thresholds) With(overrides ...Threshold) (Thresholds, error) {
	table := make(map[ActionType]Threshold, len(t.table)+len(overrides))
	for action, entry := range t.table {
		table[action] = entry
	}
	for _, entry := range overrides {
		if entry.Count <= 0 || entry.Window <= 0 {
			return Thresholds{}, fmt.Errorf("threshold %s: count and window must be positive", entry.Action)
		}
		table[entry.Action] = entry
	}
	return Thresholds{table: table}, nil
}

func (t Thresholds) Lookup(action ActionType) (Threshold, bool) {
	entry, ok := t.table[action]
	return entry, ok
}

// Breached compares an already pruned count against the threshold. Action
// types without a threshold never breach.
func (t Thresholds) Breached(action ActionType, recentCount int) bool {
	entry, ok := t.table[action]
	if !ok {
		return false
	}
	return recentCount >= entry.Count
}
