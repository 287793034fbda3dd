// Package history records delivered brightness commands as InfluxDB points.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/config"
	"github.com/dokzlo13/dimmerd/internal/dispatch"
	"github.com/dokzlo13/dimmerd/internal/entity"
)

const (
	// Measurement is the InfluxDB measurement name for command points.
	Measurement = "brightness_commands"

	defaultConnectTimeout = 10 * time.Second
)

var ErrConnectionFailed = errors.New("influxdb: connection failed")

// PointWriter is the non-blocking write surface. api.WriteAPI satisfies it.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder turns dispatch outcomes into points. It implements dispatch.Hooks.
type Recorder struct {
	dispatch.NopHooks
	writer PointWriter
	now    func() time.Time
}

// NewRecorder wraps a point writer.
func NewRecorder(writer PointWriter) *Recorder {
	return &Recorder{writer: writer, now: time.Now}
}

func (r *Recorder) Dispatched(cmd dispatch.Command, latency time.Duration) {
	r.writer.WritePoint(r.point(cmd, map[string]interface{}{
		"brightness": cmd.Value,
		"latency_ms": float64(latency) / float64(time.Millisecond),
		"ok":         true,
	}))
}

func (r *Recorder) Failed(cmd dispatch.Command, err error) {
	r.writer.WritePoint(r.point(cmd, map[string]interface{}{
		"brightness": cmd.Value,
		"ok":         false,
	}))
}

func (r *Recorder) point(cmd dispatch.Command, fields map[string]interface{}) *write.Point {
	backend, _, _ := entity.Split(cmd.EntityID)
	ts := cmd.IssuedAt
	if ts.IsZero() {
		ts = r.now()
	}
	return write.NewPoint(
		Measurement,
		map[string]string{
			"entity_id": cmd.EntityID,
			"backend":   backend,
		},
		fields,
		ts,
	)
}

// Client owns the InfluxDB connection behind a Recorder.
type Client struct {
	client influxdb2.Client
	*Recorder
}

// Connect pings the server and opens a batching write API.
func Connect(cfg config.InfluxConfig) (*Client, error) {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.BatchSize)).
			SetFlushInterval(uint(cfg.FlushInterval.Duration().Milliseconds())),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Msg("InfluxDB write failed")
		}
	}()

	return &Client{client: client, Recorder: NewRecorder(writeAPI)}, nil
}

// Close flushes pending points and closes the connection.
func (c *Client) Close() {
	c.writer.Flush()
	c.client.Close()
}
