package bot

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"sentinel-guard/internal/security"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func snowflakeAt(ts time.Time) string {
	const discordEpoch = 1420070400000
	return strconv.FormatInt((ts.UnixMilli()-discordEpoch)<<22, 10)
}

func TestMatchAuditEntry(t *testing.T) {
	now := time.Now()
	stale := &discordgo.AuditLogEntry{ID: snowflakeAt(now.Add(-time.Minute)), TargetID: "t1", UserID: "old"}
	other := &discordgo.AuditLogEntry{ID: snowflakeAt(now.Add(-time.Second)), TargetID: "t2", UserID: "other"}
	fresh := &discordgo.AuditLogEntry{ID: snowflakeAt(now.Add(-2 * time.Second)), TargetID: "t1", UserID: "actor"}
	entries := []*discordgo.AuditLogEntry{nil, other, stale, fresh}

	if got := matchAuditEntry(entries, "t1", now, nil); got != fresh {
		t.Fatalf("expected fresh entry, got %+v", got)
	}
	if got := matchAuditEntry(entries, "", now, nil); got != other {
		t.Fatalf("expected first recent entry without target filter, got %+v", got)
	}
	seen := func(id string) bool { return id == fresh.ID }
	if got := matchAuditEntry(entries, "t1", now, seen); got != nil {
		t.Fatalf("expected used entry to be skipped, got %+v", got)
	}
}

func TestCanManage(t *testing.T) {
	guild := &discordgo.Guild{
		ID:      "g1",
		OwnerID: "owner",
		Roles: []*discordgo.Role{
			{ID: "g1", Position: 0},
			{ID: "mod", Position: 5},
			{ID: "bot", Position: 8},
			{ID: "admin", Position: 10},
		},
	}
	cases := []struct {
		name     string
		target   string
		roles    []string
		expected bool
	}{
		{name: "plain member", target: "u1", roles: nil, expected: true},
		{name: "lower role", target: "u1", roles: []string{"mod"}, expected: true},
		{name: "higher role", target: "u1", roles: []string{"mod", "admin"}, expected: false},
		{name: "same role", target: "u1", roles: []string{"bot"}, expected: false},
		{name: "owner", target: "owner", roles: nil, expected: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := canManage(guild, []string{"bot"}, tc.target, tc.roles); got != tc.expected {
				t.Fatalf("canManage = %t, want %t", got, tc.expected)
			}
		})
	}
}

func TestIsUnknownMember(t *testing.T) {
	notFound := &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMember}}
	if !isUnknownMember(notFound) {
		t.Fatalf("expected unknown member code to match")
	}
	status := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	if !isUnknownMember(status) {
		t.Fatalf("expected 404 to match")
	}
	if isUnknownMember(errors.New("boom")) {
		t.Fatalf("plain errors must not match")
	}
}

func TestBuildAlertEmbed(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	embed := buildAlertEmbed(security.Alert{
		IncidentID: "g1:1:x",
		UserID:     "u1",
		Action:     security.ActionMassBan,
		Timestamp:  ts,
		Count:      3,
	}, 0xEF4444)

	values := make(map[string]string)
	for _, field := range embed.Fields {
		values[field.Name] = field.Value
	}
	if values["Type"] != "massBan" || values["Actor"] != "<@u1>" || values["Actions"] != "3" {
		t.Fatalf("unexpected fields: %v", values)
	}
	if !strings.Contains(values["Timestamp"], "1700000000") || embed.Timestamp != ts.Format(time.RFC3339) {
		t.Fatalf("unexpected timestamp: %v %s", values, embed.Timestamp)
	}
	if embed.Description == "" || !strings.HasSuffix(embed.Footer.Text, "g1:1:x") {
		t.Fatalf("unexpected embed: %+v", embed)
	}

	raid := buildAlertEmbed(security.Alert{UserID: security.SystemRaidActor, Action: security.ActionUserJoins}, 0)
	for _, field := range raid.Fields {
		if field.Name == "Actor" && strings.Contains(field.Value, "<@") {
			t.Fatalf("raid actor must not render as a mention: %s", field.Value)
		}
	}
}

func TestMentionCount(t *testing.T) {
	msg := &discordgo.Message{
		Mentions:        []*discordgo.User{{ID: "a"}, {ID: "b"}},
		MentionRoles:    []string{"r1"},
		MentionEveryone: true,
	}
	if got := mentionCount(msg); got != 4 {
		t.Fatalf("expected 4 mentions, got %d", got)
	}
	if mentionCount(nil) != 0 {
		t.Fatalf("nil message has no mentions")
	}
}

func TestFormatIncidentsNewestFirst(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	var incidents []security.IncidentSummary
	for i := 0; i < 12; i++ {
		incidents = append(incidents, security.IncidentSummary{
			IncidentID: strconv.Itoa(i),
			UserID:     "u" + strconv.Itoa(i),
			Action:     security.ActionBan,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Count:      3,
		})
	}
	incidents[11].UserID = security.SystemRaidActor

	lines := strings.Split(formatIncidents(incidents, 10), "\n")
	if len(lines) != 10 {
		t.Fatalf("expected 10 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "raid") || !strings.Contains(lines[9], "<@u2>") {
		t.Fatalf("unexpected ordering: %v", lines)
	}
}

func TestForwardedAuditEvent(t *testing.T) {
	if !forwardedAuditEvent("raid_lockdown") || !forwardedAuditEvent("security_config") {
		t.Fatalf("lockdown and config changes must be forwarded")
	}
	if forwardedAuditEvent("security_incident") {
		t.Fatalf("incidents have their own alert")
	}
}

func TestLockdownChannelErrorLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := &Bot{logger: zap.New(core)}

	b.lockdownChannelError("lockdown deny send failed", "g1", "c1", errors.New("missing access"))

	entries := logs.FilterMessage("lockdown deny send failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["guild_id"] != "g1" || fields["channel_id"] != "c1" || fields["error"] != "missing access" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}
