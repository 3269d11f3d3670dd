// Package metrics records pool activity. Time-series points go to InfluxDB
// when a server is configured; aggregate counters are snapshotted to disk
// for external dashboards either way.
package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Config holds InfluxDB connection configuration. An empty URL disables
// time-series output entirely; the recorder still tracks counters.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Counters are monotonically increasing totals since process start.
type Counters struct {
	SharesAccepted   uint64 `json:"shares_accepted"`
	SharesRejected   uint64 `json:"shares_rejected"`
	BlocksFound      uint64 `json:"blocks_found"`
	JobsBroadcast    uint64 `json:"jobs_broadcast"`
	TemplatesFetched uint64 `json:"templates_fetched"`
}

// Recorder writes mining metrics. All record methods are safe to call on a
// disabled recorder and from multiple goroutines.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	sharesAccepted   atomic.Uint64
	sharesRejected   atomic.Uint64
	blocksFound      atomic.Uint64
	jobsBroadcast    atomic.Uint64
	templatesFetched atomic.Uint64
}

// NewRecorder creates a metrics recorder. With an empty URL the recorder is
// counter-only and never touches the network.
func NewRecorder(cfg *Config) (*Recorder, error) {
	if cfg == nil || cfg.URL == "" {
		return &Recorder{}, nil
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}, nil
}

// Enabled reports whether points are being written to InfluxDB.
func (r *Recorder) Enabled() bool {
	return r.writeAPI != nil
}

// Close flushes pending points and shuts down the client.
func (r *Recorder) Close() {
	if r.client == nil {
		return
	}
	r.writeAPI.Flush()
	r.client.Close()
}

// Flush forces a write of all pending points
func (r *Recorder) Flush() {
	if r.writeAPI != nil {
		r.writeAPI.Flush()
	}
}

// Counters returns a snapshot of the aggregate totals.
func (r *Recorder) Counters() Counters {
	return Counters{
		SharesAccepted:   r.sharesAccepted.Load(),
		SharesRejected:   r.sharesRejected.Load(),
		BlocksFound:      r.blocksFound.Load(),
		JobsBroadcast:    r.jobsBroadcast.Load(),
		TemplatesFetched: r.templatesFetched.Load(),
	}
}

// RecordShare records a share submission outcome.
func (r *Recorder) RecordShare(miner, worker string, difficulty float64, accepted bool) {
	if accepted {
		r.sharesAccepted.Add(1)
	} else {
		r.sharesRejected.Add(1)
	}
	if r.writeAPI == nil {
		return
	}

	tags := map[string]string{
		"miner":    miner,
		"worker":   worker,
		"accepted": fmt.Sprintf("%t", accepted),
	}
	fields := map[string]interface{}{
		"difficulty": difficulty,
		"count":      1,
	}

	point := write.NewPoint("shares", tags, fields, time.Now())
	r.writeAPI.WritePoint(point)
}

// RecordBlockFound records a share that met network difficulty.
func (r *Recorder) RecordBlockFound(height int64, hash, miner, worker string, difficulty float64) {
	r.blocksFound.Add(1)
	if r.writeAPI == nil {
		return
	}

	tags := map[string]string{
		"hash":   hash,
		"miner":  miner,
		"worker": worker,
	}
	fields := map[string]interface{}{
		"height":     height,
		"difficulty": difficulty,
		"count":      1,
	}

	point := write.NewPoint("blocks", tags, fields, time.Now())
	r.writeAPI.WritePoint(point)
}

// RecordTemplate records a block template fetch.
func (r *Recorder) RecordTemplate(height int64, source string, txCount int) {
	r.templatesFetched.Add(1)
	if r.writeAPI == nil {
		return
	}

	tags := map[string]string{
		"source": source,
	}
	fields := map[string]interface{}{
		"height":   height,
		"tx_count": txCount,
	}

	point := write.NewPoint("templates", tags, fields, time.Now())
	r.writeAPI.WritePoint(point)
}

// RecordJobBroadcast records a job notification going out to miners.
func (r *Recorder) RecordJobBroadcast(version uint64, height int64, miners int) {
	r.jobsBroadcast.Add(1)
	if r.writeAPI == nil {
		return
	}

	fields := map[string]interface{}{
		"job_version": int64(version),
		"height":      height,
		"miners":      miners,
	}

	point := write.NewPoint("jobs", map[string]string{}, fields, time.Now())
	r.writeAPI.WritePoint(point)
}

// RecordConnections records the current session count.
func (r *Recorder) RecordConnections(active int) {
	if r.writeAPI == nil {
		return
	}

	fields := map[string]interface{}{
		"active_connections": active,
	}

	point := write.NewPoint("connections", map[string]string{}, fields, time.Now())
	r.writeAPI.WritePoint(point)
}
