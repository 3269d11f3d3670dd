package metrics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/hydrapool/hydrad/pkg/log"
)

// statsFileName is the snapshot file written under the stats directory.
const statsFileName = "pool_stats.json"

// poolStats is the on-disk snapshot format.
type poolStats struct {
	Counters
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot periodically writes the recorder's aggregate counters to a JSON
// file so external dashboards can read pool totals without InfluxDB.
type Snapshot struct {
	recorder *Recorder
	logger   *log.Logger
	dir      string
	interval time.Duration
}

// NewSnapshot creates a snapshot writer for the given stats directory.
func NewSnapshot(recorder *Recorder, logger *log.Logger, dir string, interval time.Duration) *Snapshot {
	return &Snapshot{
		recorder: recorder,
		logger:   logger.WithComponent("stats"),
		dir:      dir,
		interval: interval,
	}
}

// Run writes a snapshot on a fixed cadence until the context is canceled,
// flushing one final snapshot on the way out.
func (s *Snapshot) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.write()
			return nil
		case <-ticker.C:
			s.write()
		}
	}
}

func (s *Snapshot) write() {
	stats := poolStats{
		Counters:  s.recorder.Counters(),
		UpdatedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		s.logger.WithError(err).Error("failed to encode pool stats")
		return
	}

	path := filepath.Join(s.dir, statsFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.WithError(err).Error("failed to write pool stats")
	}
}
