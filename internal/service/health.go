package service

import (
	"context"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports the state of the service's dependencies.
type Health struct {
	Status          string    `json:"status"`
	Database        string    `json:"database"`
	Cache           string    `json:"cache,omitempty"`
	SnapshotVersion int64     `json:"snapshotVersion"`
	SnapshotLoaded  time.Time `json:"snapshotLoadedAt"`
	TotalFlags      int       `json:"totalFlags"`
	EnabledFlags    int       `json:"enabledFlags"`
}

// Health pings the repository and cache and summarises the current snapshot.
// Status is "ok" only when the database is reachable and the snapshot is
// fresh.
func (s *Service) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	health := Health{Status: "ok", Database: "ok"}

	if p, ok := s.repo.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			health.Database = "unavailable"
			health.Status = "degraded"
		}
	}

	if s.cache != nil {
		health.Cache = "ok"
		if p, ok := s.cache.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				health.Cache = "unavailable"
			}
		}
	}

	snapshot := s.snapshot.Load()
	health.SnapshotVersion = snapshot.Version()
	health.SnapshotLoaded = snapshot.LoadedAt()
	for _, flag := range snapshot.Flags() {
		health.TotalFlags++
		if flag.Enabled {
			health.EnabledFlags++
		}
	}
	if snapshot == nil || !s.fresh(snapshot) {
		health.Status = "degraded"
	}

	return health
}
