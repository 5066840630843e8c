package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"go.uber.org/zap"

	"github.com/tsarna/wmslive/pkg/wmslive"
	"github.com/tsarna/wmslive/pkg/wmslive/hub"
	"github.com/tsarna/wmslive/pkg/wmslive/transport/stomp"
	"github.com/tsarna/wmslive/pkg/wmslive/transport/vws"
)

const (
	TransportStomp = "stomp"
	TransportVWS   = "vws"
)

// HubDefinition is the decoded hub block. Durations are resolved into the
// exported time.Duration fields; zero means "use the default".
type HubDefinition struct {
	URL                   string            `hcl:"url"`
	Transport             string            `hcl:"transport,optional"`
	DestinationPrefix     string            `hcl:"destination_prefix,optional"`
	ReconnectDelayExpr    hcl.Expression    `hcl:"reconnect_delay,optional"`
	MaxReconnectDelayExpr hcl.Expression    `hcl:"max_reconnect_delay,optional"`
	BackoffFactor         *float64          `hcl:"backoff_factor,optional"`
	MaxRetries            *int              `hcl:"max_retries,optional"`
	HeartbeatExpr         hcl.Expression    `hcl:"heartbeat,optional"`
	DialTimeoutExpr       hcl.Expression    `hcl:"dial_timeout,optional"`
	OperationTimeoutExpr  hcl.Expression    `hcl:"operation_timeout,optional"`
	Headers               map[string]string `hcl:"headers,optional"`
	Login                 string            `hcl:"login,optional"`
	Passcode              string            `hcl:"passcode,optional"`
	Receipts              bool              `hcl:"receipts,optional"`
	Topics                []string          `hcl:"topics,optional"`
	DefRange              hcl.Range         `hcl:",def_range"`

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Heartbeat         time.Duration
	HeartbeatSet      bool
	DialTimeout       time.Duration
	OperationTimeout  time.Duration
}

func (c *Config) processHubBlock(block *hcl.Block) hcl.Diagnostics {
	def := &HubDefinition{}
	diags := gohcl.DecodeBody(block.Body, c.evalCtx, def)
	if diags.HasErrors() {
		return diags
	}

	if c.Hub != nil {
		return diags.Append(duplicateDiag("hub", "hub", block.DefRange, c.Hub.DefRange))
	}

	if def.Transport == "" {
		def.Transport = TransportStomp
	}
	if def.Transport != TransportStomp && def.Transport != TransportVWS {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid transport",
			Detail:   fmt.Sprintf("Transport must be %q or %q, got %q", TransportStomp, TransportVWS, def.Transport),
			Subject:  block.DefRange.Ptr(),
		})
	}

	if u, err := url.Parse(def.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid URL",
			Detail:   fmt.Sprintf("Hub URL must be a ws:// or wss:// URL, got %q", def.URL),
			Subject:  block.DefRange.Ptr(),
		})
	}

	durations := []struct {
		expr   hcl.Expression
		target *time.Duration
	}{
		{def.ReconnectDelayExpr, &def.ReconnectDelay},
		{def.MaxReconnectDelayExpr, &def.MaxReconnectDelay},
		{def.HeartbeatExpr, &def.Heartbeat},
		{def.DialTimeoutExpr, &def.DialTimeout},
		{def.OperationTimeoutExpr, &def.OperationTimeout},
	}
	for _, d := range durations {
		if !IsExpressionProvided(d.expr) {
			continue
		}
		value, durDiags := c.ParseDuration(d.expr)
		diags = diags.Extend(durDiags)
		*d.target = value
	}
	def.HeartbeatSet = IsExpressionProvided(def.HeartbeatExpr)

	if diags.HasErrors() {
		return diags
	}

	c.Hub = def
	return diags
}

// ReconnectPolicy builds the reconnect policy described by the hub block.
func (d *HubDefinition) ReconnectPolicy() *hub.ReconnectPolicy {
	builder := hub.NewReconnectPolicy().
		WithInitialDelay(d.ReconnectDelay).
		WithMaxDelay(d.ReconnectDelay)

	if d.MaxReconnectDelay > 0 {
		builder = builder.WithMaxDelay(d.MaxReconnectDelay)
	}
	if d.BackoffFactor != nil {
		builder = builder.WithBackoffFactor(*d.BackoffFactor)
	}
	if d.MaxRetries != nil {
		builder = builder.WithMaxRetries(*d.MaxRetries)
	}

	return builder.Build()
}

// TransportFactory returns a factory for the configured transport.
func (d *HubDefinition) TransportFactory(logger *zap.Logger) wmslive.TransportFactory {
	switch d.Transport {
	case TransportVWS:
		builder := vws.NewClient().
			WithURL(d.URL).
			WithLogger(logger).
			WithDialTimeout(d.DialTimeout)
		if d.HeartbeatSet {
			builder = builder.WithPingInterval(d.Heartbeat)
		}
		for key, value := range d.Headers {
			builder = builder.WithHeader(key, value)
		}
		return builder.Factory()

	default:
		builder := stomp.NewClient().
			WithURL(d.URL).
			WithLogger(logger).
			WithDialTimeout(d.DialTimeout).
			WithReceipts(d.Receipts)
		if d.HeartbeatSet {
			builder = builder.WithHeartbeat(d.Heartbeat, d.Heartbeat)
		}
		if d.Login != "" {
			builder = builder.WithLogin(d.Login, d.Passcode)
		}
		for key, value := range d.Headers {
			builder = builder.WithHeader(key, value)
		}
		return builder.Factory()
	}
}

// NewHubBuilder returns an EventHubBuilder configured from the hub block.
// Callers may add a monitor or observability providers before Build.
func (c *Config) NewHubBuilder() (*hub.EventHubBuilder, error) {
	if c.Hub == nil {
		return nil, fmt.Errorf("no hub block configured")
	}

	return hub.NewEventHub().
		WithLogger(c.Logger).
		WithTransport(c.Hub.TransportFactory(c.Logger)).
		WithDestinationPrefix(c.Hub.DestinationPrefix).
		WithReconnectPolicy(c.Hub.ReconnectPolicy()).
		WithOperationTimeout(c.Hub.OperationTimeout), nil
}
