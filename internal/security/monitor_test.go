package security

import (
	"context"
	"testing"
	"time"
)

type monitorFixture struct {
	monitor   *Monitor
	store     *fakeStore
	members   *fakeMembers
	sink      *fakeSink
	clock     *fakeClock
	directory *fakeDirectory
}

func newMonitorFixture(thresholds ...Threshold) *monitorFixture {
	f := &monitorFixture{
		store:     newFakeStore(),
		members:   &fakeMembers{members: map[string]Member{}},
		sink:      &fakeSink{},
		clock:     newFakeClock(),
		directory: &fakeDirectory{owners: map[string]string{"g1": "owner"}},
	}
	table := DefaultThresholds()
	if len(thresholds) > 0 {
		table = NewThresholds(thresholds)
	}
	f.monitor = NewMonitor(Options{Thresholds: table, AlertRate: 1000, AlertBurst: 100}, Dependencies{
		Store:     f.store,
		Directory: f.directory,
		Members:   f.members,
		Alerts:    f.sink,
		Clock:     f.clock,
	})
	return f
}

func TestRecordActionBreachesOnNthCall(t *testing.T) {
	f := newMonitorFixture(Threshold{Action: ActionMassBan, Count: 3, Window: 5 * time.Second})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if _, breached := f.monitor.RecordAction(ctx, "g1", "u1", ActionMassBan, ExemptionContext{}, nil); breached {
			t.Fatalf("call %d must not breach", i)
		}
		f.clock.Advance(time.Second)
	}
	id, breached := f.monitor.RecordAction(ctx, "g1", "u1", ActionMassBan, ExemptionContext{}, nil)
	if !breached || id == "" {
		t.Fatalf("expected breach on third call")
	}
	incident, ok := f.monitor.Incident(id)
	if !ok || len(incident.Actions) != 3 || incident.UserID != "u1" || incident.Action != ActionMassBan {
		t.Fatalf("unexpected incident: %+v", incident)
	}
}

func TestRecordActionWindowExpiry(t *testing.T) {
	f := newMonitorFixture(Threshold{Action: ActionMassBan, Count: 3, Window: 5 * time.Second})
	ctx := context.Background()

	f.monitor.RecordAction(ctx, "g1", "u1", ActionMassBan, ExemptionContext{}, nil)
	f.monitor.RecordAction(ctx, "g1", "u1", ActionMassBan, ExemptionContext{}, nil)
	f.clock.Advance(6 * time.Second)
	if _, breached := f.monitor.RecordAction(ctx, "g1", "u1", ActionMassBan, ExemptionContext{}, nil); breached {
		t.Fatalf("actions outside the window must not count")
	}
}

func TestRecentActionsPruning(t *testing.T) {
	window := 10 * time.Second
	f := newMonitorFixture(Threshold{Action: ActionChannelDelete, Count: 100, Window: window})
	ctx := context.Background()

	f.monitor.RecordAction(ctx, "g1", "u1", ActionChannelDelete, ExemptionContext{}, ActionMetadata{"n": 1})
	f.clock.Advance(window / 2)
	f.monitor.RecordAction(ctx, "g1", "u1", ActionChannelDelete, ExemptionContext{}, ActionMetadata{"n": 2})
	f.clock.Advance(window/2 + time.Millisecond)
	f.monitor.RecordAction(ctx, "g1", "u1", ActionChannelDelete, ExemptionContext{}, ActionMetadata{"n": 3})

	records := f.monitor.RecentActions("g1", "u1", ActionChannelDelete)
	if len(records) != 2 || records[0].Metadata["n"] != 2 || records[1].Metadata["n"] != 3 {
		t.Fatalf("expected the last two records, got %+v", records)
	}
}

func TestExemptActorsLeaveNoTrace(t *testing.T) {
	f := newMonitorFixture(Threshold{Action: ActionBan, Count: 1, Window: time.Minute})
	f.store.set("g1", ServerConfig{WhitelistedUsers: []string{"listed"}})
	ctx := context.Background()

	cases := []struct {
		name      string
		actor     string
		exemption ExemptionContext
	}{
		{"owner flag", "u1", ExemptionContext{IsServerOwner: true}},
		{"role flag", "u2", ExemptionContext{HasWhitelistedRole: true}},
		{"owner id", "u3", ExemptionContext{OwnerID: "u3"}},
		{"user whitelist", "listed", ExemptionContext{}},
		{"owner lookup", "owner", ExemptionContext{}},
	}
	for _, tc := range cases {
		before := f.monitor.bucketLen("g1", tc.actor, ActionBan)
		if _, breached := f.monitor.RecordAction(ctx, "g1", tc.actor, ActionBan, tc.exemption, nil); breached {
			t.Fatalf("%s: exempt actor breached", tc.name)
		}
		if after := f.monitor.bucketLen("g1", tc.actor, ActionBan); after != before {
			t.Fatalf("%s: bucket changed from %d to %d", tc.name, before, after)
		}
	}

	f.store.set("g2", ServerConfig{SecurityDisabled: true})
	if _, breached := f.monitor.RecordAction(ctx, "g2", "u1", ActionBan, ExemptionContext{}, nil); breached {
		t.Fatalf("disabled security must exempt everyone")
	}
	if n := f.monitor.bucketLen("g2", "u1", ActionBan); n != 0 {
		t.Fatalf("disabled security must not record, got %d", n)
	}
}

func TestUntrackedActionNeverBreaches(t *testing.T) {
	f := newMonitorFixture()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if _, breached := f.monitor.RecordAction(ctx, "g1", "u1", ActionChannelCreate, ExemptionContext{}, nil); breached {
			t.Fatalf("action without threshold breached")
		}
	}
	if got := len(f.monitor.RecentActions("g1", "u1", ActionChannelCreate)); got != 50 {
		t.Fatalf("expected untracked actions to be stored, got %d", got)
	}
	f.clock.Advance(2 * DefaultRetention)
	if got := len(f.monitor.RecentActions("g1", "u1", ActionChannelCreate)); got != 0 {
		t.Fatalf("expected retention pruning, got %d", got)
	}
}

func TestRecentActionsWithinUsesCallerWindow(t *testing.T) {
	f := newMonitorFixture(Threshold{Action: ActionBan, Count: 100, Window: time.Minute})
	ctx := context.Background()
	f.monitor.RecordAction(ctx, "g1", "u1", ActionBan, ExemptionContext{}, nil)
	f.clock.Advance(10 * time.Second)
	f.monitor.RecordAction(ctx, "g1", "u1", ActionBan, ExemptionContext{}, nil)

	if got := len(f.monitor.RecentActionsWithin("g1", "u1", ActionBan, 5*time.Second)); got != 1 {
		t.Fatalf("expected 1 record within 5s, got %d", got)
	}
	if got := len(f.monitor.RecentActions("g1", "u1", ActionBan)); got != 2 {
		t.Fatalf("expected threshold window read to keep both, got %d", got)
	}
}

func TestIncidentHistoryIsBounded(t *testing.T) {
	f := newMonitorFixture(Threshold{Action: ActionBan, Count: 1, Window: time.Second})
	ctx := context.Background()

	for i := 0; i < DefaultIncidentHistory+5; i++ {
		if _, breached := f.monitor.RecordAction(ctx, "g1", "u1", ActionBan, ExemptionContext{}, ActionMetadata{"i": i}); !breached {
			t.Fatalf("expected breach %d", i)
		}
		f.clock.Advance(2 * time.Second)
	}

	incidents, err := f.monitor.Incidents(ctx, "g1")
	if err != nil {
		t.Fatalf("incidents: %v", err)
	}
	if len(incidents) != DefaultIncidentHistory {
		t.Fatalf("expected %d persisted incidents, got %d", DefaultIncidentHistory, len(incidents))
	}
	oldestKept := time.Unix(1_700_000_000, 0).Add(5 * 2 * time.Second)
	if !incidents[0].Timestamp.Equal(oldestKept) {
		t.Fatalf("expected oldest entries evicted first, first kept at %v", incidents[0].Timestamp)
	}
}

func TestIncidentIDsUniqueWithinMillisecond(t *testing.T) {
	f := newMonitorFixture(Threshold{Action: ActionBan, Count: 1, Window: time.Second})
	ctx := context.Background()

	first, _ := f.monitor.RecordAction(ctx, "g1", "u1", ActionBan, ExemptionContext{}, nil)
	second, _ := f.monitor.RecordAction(ctx, "g1", "u2", ActionBan, ExemptionContext{}, nil)
	if first == second {
		t.Fatalf("expected distinct incident ids, got %s twice", first)
	}
	incidents, _ := f.monitor.Incidents(ctx, "g1")
	if len(incidents) != 2 || incidents[0].UserID != "u1" || incidents[1].UserID != "u2" {
		t.Fatalf("unexpected persisted incidents: %+v", incidents)
	}
	if len(f.monitor.ActiveIncidents()) != 2 {
		t.Fatalf("expected two active incidents")
	}
}

func TestMassBanScenarioKicksActor(t *testing.T) {
	f := newMonitorFixture(Threshold{Action: ActionMassBan, Count: 3, Window: 5 * time.Second})
	f.store.set("g1", ServerConfig{Punishment: string(PunishmentKick), NotificationChannelID: "c1"})
	f.members.members["a"] = Member{UserID: "a", Manageable: true}
	ctx := context.Background()

	var incidentID string
	for i, target := range []string{"t1", "t2", "t3"} {
		id, breached := f.monitor.RecordAction(ctx, "g1", "a", ActionMassBan, ExemptionContext{}, ActionMetadata{"target_id": target})
		if breached != (i == 2) {
			t.Fatalf("call %d breached=%t", i+1, breached)
		}
		incidentID = id
		f.clock.Advance(1500 * time.Millisecond)
	}

	result := f.monitor.ApplyAction(ctx, "g1", "a", "mass ban")
	if !result.Success || result.Action != ResultKick {
		t.Fatalf("expected kick, got %+v", result)
	}
	incidents, _ := f.monitor.Incidents(ctx, "g1")
	if len(incidents) != 1 || incidents[0].Count != 3 || incidents[0].IncidentID != incidentID {
		t.Fatalf("expected one persisted incident with count 3, got %+v", incidents)
	}
	if !f.monitor.SendAlert(ctx, "g1", incidentID, "mass ban") {
		t.Fatalf("expected alert to be sent")
	}
}

func TestOwnerNeverBreaches(t *testing.T) {
	f := newMonitorFixture(Threshold{Action: ActionMassBan, Count: 3, Window: 5 * time.Second})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, breached := f.monitor.RecordAction(ctx, "g1", "owner", ActionMassBan, ExemptionContext{}, nil); breached {
			t.Fatalf("owner breached on call %d", i+1)
		}
	}
	if n := f.monitor.bucketLen("g1", "owner", ActionMassBan); n != 0 {
		t.Fatalf("owner actions must not be recorded, got %d", n)
	}
}

func TestSendAlertUnknownIncident(t *testing.T) {
	f := newMonitorFixture()
	f.store.set("g1", ServerConfig{NotificationChannelID: "c1"})
	if f.monitor.SendAlert(context.Background(), "g1", "g1:0:missing", "restart") {
		t.Fatalf("expected no alert for unknown incident")
	}
	if f.sink.count() != 0 {
		t.Fatalf("expected sink untouched")
	}
}

func TestIncidentSurvivesPersistFailure(t *testing.T) {
	f := newMonitorFixture(Threshold{Action: ActionBan, Count: 1, Window: time.Second})
	ctx := context.Background()
	id, breached := f.monitor.RecordAction(ctx, "g1", "u1", ActionBan, ExemptionContext{}, nil)
	if !breached {
		t.Fatalf("expected breach")
	}
	f.store.err = errPermissions
	id2, breached := f.monitor.RecordAction(ctx, "g1", "u1", ActionBan, ExemptionContext{}, nil)
	if !breached {
		t.Fatalf("expected breach despite store failure")
	}
	if _, ok := f.monitor.Incident(id2); !ok {
		t.Fatalf("expected in-memory incident to survive persist failure")
	}
	if _, ok := f.monitor.Incident(id); !ok {
		t.Fatalf("expected first incident to remain")
	}
}
