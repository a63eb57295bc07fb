package security

import (
	"testing"
	"time"
)

func TestThresholdsBreached(t *testing.T) {
	thresholds := NewThresholds([]Threshold{{Action: ActionMassBan, Count: 3, Window: 5 * time.Second}})

	cases := []struct {
		action ActionType
		count  int
		want   bool
	}{
		{ActionMassBan, 0, false},
		{ActionMassBan, 2, false},
		{ActionMassBan, 3, true},
		{ActionMassBan, 9, true},
		{ActionChannelCreate, 1000, false},
	}
	for _, tc := range cases {
		if got := thresholds.Breached(tc.action, tc.count); got != tc.want {
			t.Fatalf("Breached(%s, %d) = %t, want %t", tc.action, tc.count, got, tc.want)
		}
	}
}

func TestDefaultThresholdsCoverEveryCountedAction(t *testing.T) {
	thresholds := DefaultThresholds()
	for _, action := range ActionTypes() {
		_, ok := thresholds.Lookup(action)
		if action == ActionChannelCreate {
			if ok {
				t.Fatalf("channelCreate must stay untracked by thresholds")
			}
			continue
		}
		if !ok {
			t.Fatalf("missing default threshold for %s", action)
		}
	}
}

func TestThresholdsWith(t *testing.T) {
	base := DefaultThresholds()
	updated, err := base.With(Threshold{Action: ActionBan, Count: 7, Window: time.Minute})
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	if entry, _ := updated.Lookup(ActionBan); entry.Count != 7 {
		t.Fatalf("expected override, got %d", entry.Count)
	}
	if entry, _ := base.Lookup(ActionBan); entry.Count != 3 {
		t.Fatalf("base table must not change, got %d", entry.Count)
	}
	if _, err := base.With(Threshold{Action: ActionBan, Count: 0, Window: time.Second}); err == nil {
		t.Fatalf("expected error for zero count")
	}
}
