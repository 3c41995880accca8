package capacity

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/tenantvault/internal/config"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"

	pushTimeout = 5 * time.Second
)

var errNoEndpoint = errors.New("capacity endpoint is required")

// Pusher ships one gathered snapshot to a central collector.
type Pusher interface {
	Push(ctx context.Context, gatherer prometheus.Gatherer) error
}

// NewPusher returns nil when reporting is off or misconfigured. The reason is
// logged and the process starts anyway.
func NewPusher(cfg config.Config, log *zap.Logger) Pusher {
	if !cfg.Capacity.Enabled {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	pusher, err := buildPusher(cfg)
	if err != nil {
		log.Named("capacity").Warn("capacity reporting disabled",
			zap.String("exporter", cfg.Capacity.Exporter),
			zap.Error(err),
		)
		return nil
	}
	return pusher
}

func buildPusher(cfg config.Config) (Pusher, error) {
	endpoint := strings.TrimSpace(cfg.Capacity.Endpoint)
	if endpoint == "" {
		return nil, errNoEndpoint
	}
	labels := map[string]string{}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		labels["environment"] = env
	}

	switch exporter := strings.ToLower(strings.TrimSpace(cfg.Capacity.Exporter)); exporter {
	case ExporterRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return nil, fmt.Errorf("invalid capacity endpoint: %w", err)
		}
		p := NewRemoteWritePusher(endpoint, cfg.Capacity.AuthToken)
		p.external = labels
		return p, nil
	case ExporterPushgateway:
		return NewPushgatewayPusher(endpoint, cfg.AppName, labels), nil
	default:
		return nil, fmt.Errorf("unknown capacity exporter %q", exporter)
	}
}

// RemoteWritePusher posts snappy-compressed prompb write requests.
type RemoteWritePusher struct {
	endpoint string
	token    string
	external map[string]string
	client   *http.Client
	now      func() time.Time
}

func NewRemoteWritePusher(endpoint, token string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint: endpoint,
		token:    strings.TrimSpace(token),
		client:   &http.Client{Timeout: pushTimeout},
		now:      time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather capacity metrics: %w", err)
	}
	series := toTimeSeries(families, p.external, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	raw, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return fmt.Errorf("encode write request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, raw)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

// PushgatewayPusher replaces the job's group on a Prometheus Pushgateway.
type PushgatewayPusher struct {
	endpoint string
	job      string
	grouping map[string]string
}

func NewPushgatewayPusher(endpoint, job string, grouping map[string]string) *PushgatewayPusher {
	job = strings.TrimSpace(job)
	if job == "" {
		job = "tenantvault"
	}
	return &PushgatewayPusher{endpoint: endpoint, job: job, grouping: grouping}
}

func (p *PushgatewayPusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	pusher := push.New(p.endpoint, p.job).Gatherer(gatherer)
	for name, value := range p.grouping {
		if value != "" {
			pusher = pusher.Grouping(name, value)
		}
	}
	return pusher.PushContext(ctx)
}

// toTimeSeries flattens counters and gauges into one sample each. Histograms
// and summaries are skipped.
func toTimeSeries(families []*dto.MetricFamily, external map[string]string, ts int64) []prompb.TimeSeries {
	var out []prompb.TimeSeries
	for _, family := range families {
		for _, m := range family.GetMetric() {
			var value float64
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				value = m.GetGauge().GetValue()
			default:
				continue
			}

			labels := []prompb.Label{{Name: "__name__", Value: family.GetName()}}
			for name, v := range external {
				labels = append(labels, prompb.Label{Name: name, Value: v})
			}
			for _, l := range m.GetLabel() {
				labels = append(labels, prompb.Label{Name: l.GetName(), Value: l.GetValue()})
			}
			slices.SortFunc(labels, func(a, b prompb.Label) int { return cmp.Compare(a.Name, b.Name) })
			labels = slices.CompactFunc(labels, func(a, b prompb.Label) bool { return a.Name == b.Name })

			out = append(out, prompb.TimeSeries{
				Labels:  labels,
				Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
			})
		}
	}
	return out
}
