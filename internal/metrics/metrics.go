// Package metrics streams relay throughput and session counters to an
// InfluxDB bucket. It is wired in strictly as a write-only sink: a
// metrics outage must never affect the relay path it is instrumenting,
// so every method here swallows and logs its own errors.
package metrics

import (
	"crypto/tls"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"transproxify/internal/config"
	"transproxify/internal/errs"
	"transproxify/internal/logx"
)

var log = logx.New(logx.WithPrefix("metrics"))

type Client struct {
	client influxdb2.Client
	write  api_WriteAPI
	org    string
	bucket string
}

// api_WriteAPI is the subset of the influxdb2 non-blocking write API
// this package depends on, named to avoid colliding with the api
// package import alias.
type api_WriteAPI interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// New builds a metrics client from the ambient config's influx section.
// Construction never fails: a misconfigured or unreachable InfluxDB
// server only shows up as dropped points and logged write errors, not
// a startup failure.
func New(cfg config.InfluxConfig) *Client {
	opts := influxdb2.DefaultOptions()
	if cfg.InsecureSkipVerify {
		opts = opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	cli := influxdb2.NewClientWithOptions(cfg.BaseURL, cfg.Token, opts)
	w := cli.WriteAPI(cfg.Org, cfg.Bucket)

	c := &Client{client: cli, write: w, org: cfg.Org, bucket: cfg.Bucket}
	go c.logErrors()
	return c
}

func (c *Client) logErrors() {
	for err := range c.write.Errors() {
		log.Warnf("write error: %v", err)
	}
}

// RecordThroughput records the byte counters for one closed session.
func (c *Client) RecordThroughput(proxiedProto, proxyProto string, bytesUp, bytesDown int64, duration time.Duration) {
	if c == nil {
		return
	}
	p := influxdb2.NewPoint("transproxify_session",
		map[string]string{
			"proxied_protocol": proxiedProto,
			"proxy_protocol":   proxyProto,
		},
		map[string]interface{}{
			"bytes_up":    bytesUp,
			"bytes_down":  bytesDown,
			"duration_ms": duration.Milliseconds(),
		},
		time.Now())
	c.write.WritePoint(p)
}

// RecordSessionCount records a point-in-time gauge of active sessions,
// sampled periodically by the caller (the server loops'
// Manager.sampleSessionCount).
func (c *Client) RecordSessionCount(proxiedProto string, active int) {
	if c == nil {
		return
	}
	p := influxdb2.NewPoint("transproxify_active_sessions",
		map[string]string{"proxied_protocol": proxiedProto},
		map[string]interface{}{"count": active},
		time.Now())
	c.write.WritePoint(p)
}

// RecordHandshakeFailure counts one rejected/failed upstream handshake,
// tagged by the errs.HandshakeKind so an operator can see which
// failure mode dominates.
func (c *Client) RecordHandshakeFailure(proxiedProto, proxyProto string, kind errs.HandshakeKind) {
	if c == nil {
		return
	}
	p := influxdb2.NewPoint("transproxify_handshake_failures",
		map[string]string{
			"proxied_protocol": proxiedProto,
			"proxy_protocol":   proxyProto,
			"kind":             kind.String(),
		},
		map[string]interface{}{"count": 1},
		time.Now())
	c.write.WritePoint(p)
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.write.Flush()
	c.client.Close()
}
