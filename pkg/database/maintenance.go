package database

import (
	"context"
	"log/slog"
	"time"
)

// MaintenanceConfig controls the optional background loops. All loops are
// disabled unless Enabled is set; dev reload would otherwise run them twice.
type MaintenanceConfig struct {
	Enabled            bool
	CheckpointInterval time.Duration
	AnalyzeInterval    time.Duration
	VacuumInterval     time.Duration
}

// SetDefaults applies default cadences.
func (c *MaintenanceConfig) SetDefaults() {
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 15 * time.Minute
	}
	if c.AnalyzeInterval <= 0 {
		c.AnalyzeInterval = 24 * time.Hour
	}
	if c.VacuumInterval <= 0 {
		c.VacuumInterval = 7 * 24 * time.Hour
	}
}

// StartMaintenance launches the WAL checkpoint, analyze and vacuum loops.
// They stop when ctx is cancelled.
func (s *Store) StartMaintenance(ctx context.Context, cfg MaintenanceConfig) {
	if !cfg.Enabled {
		return
	}
	cfg.SetDefaults()

	go s.maintenanceLoop(ctx, cfg.CheckpointInterval, "wal_checkpoint",
		`PRAGMA wal_checkpoint(TRUNCATE)`)
	go s.maintenanceLoop(ctx, cfg.AnalyzeInterval, "analyze",
		`ANALYZE; PRAGMA optimize`)
	go s.maintenanceLoop(ctx, cfg.VacuumInterval, "vacuum",
		`VACUUM`)
}

func (s *Store) maintenanceLoop(ctx context.Context, interval time.Duration, name, statement string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if _, err := s.db.ExecContext(ctx, statement); err != nil {
				slog.Warn("database maintenance failed", "task", name, "error", err)
				continue
			}
			slog.Debug("database maintenance done", "task", name, "duration", time.Since(start))
		}
	}
}
