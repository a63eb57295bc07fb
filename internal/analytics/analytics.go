package analytics

import (
	"context"
	"sort"
	"time"

	"sentinel-guard/internal/storage"
)

// Source is the read side of the store used for reports.
type Source interface {
	ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]storage.AuditLog, error)
	ListIncidents(ctx context.Context, guildID string) ([]storage.IncidentRecord, error)
}

type Service struct {
	store Source
}

func New(store Source) *Service {
	return &Service{store: store}
}

type ActionCount struct {
	Action string
	Count  int
}

type Report struct {
	Total     int
	ByLevel   map[string]int
	Incidents int
	ByAction  []ActionCount
	Offenders map[string]int
}

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}
	incidents, err := s.store.ListIncidents(ctx, guildID)
	if err != nil {
		return Report{}, err
	}

	report := Report{ByLevel: make(map[string]int), Offenders: make(map[string]int)}
	for _, log := range logs {
		report.Total++
		report.ByLevel[log.Level]++
	}

	byAction := make(map[string]int)
	for _, incident := range incidents {
		if incident.CreatedAt.Before(since) {
			continue
		}
		report.Incidents++
		byAction[incident.Action]++
		report.Offenders[incident.UserID]++
	}
	for action, count := range byAction {
		report.ByAction = append(report.ByAction, ActionCount{Action: action, Count: count})
	}
	sort.Slice(report.ByAction, func(i, j int) bool {
		if report.ByAction[i].Count != report.ByAction[j].Count {
			return report.ByAction[i].Count > report.ByAction[j].Count
		}
		return report.ByAction[i].Action < report.ByAction[j].Action
	})
	return report, nil
}
