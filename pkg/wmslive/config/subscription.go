package config

import (
	"fmt"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/go2cty2go"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/tsarna/wmslive/pkg/wmslive/hub"
	"github.com/tsarna/wmslive/pkg/wmslive/listeners"
)

// SubscriptionDefinition is a subscription block: an action expression
// evaluated for every message on its topics. The expression sees ctx.topic,
// ctx.msg and ctx.prev, the previous message delivered on the same topic.
type SubscriptionDefinition struct {
	Name      string
	Topics    []string       `hcl:"topics"`
	Action    hcl.Expression `hcl:"action"`
	QueueSize *int           `hcl:"queue_size,optional"`
	Disabled  bool           `hcl:"disabled,optional"`
	DefRange  hcl.Range      `hcl:",def_range"`
}

func (c *Config) processSubscriptionBlock(block *hcl.Block) hcl.Diagnostics {
	def := &SubscriptionDefinition{}
	diags := gohcl.DecodeBody(block.Body, c.evalCtx, def)
	if diags.HasErrors() {
		return diags
	}
	def.Name = block.Labels[0]

	for _, existing := range c.Subscriptions {
		if existing.Name == def.Name {
			return diags.Append(duplicateDiag("subscription", def.Name, block.DefRange, existing.DefRange))
		}
	}

	if len(def.Topics) == 0 {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "No topics",
			Detail:   fmt.Sprintf("Subscription %s must name at least one topic", def.Name),
			Subject:  block.DefRange.Ptr(),
		})
	}
	for _, topic := range def.Topics {
		if topic == "" {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Empty topic",
				Detail:   fmt.Sprintf("Subscription %s has an empty topic", def.Name),
				Subject:  block.DefRange.Ptr(),
			})
		}
	}
	if def.QueueSize != nil && *def.QueueSize < 1 {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid queue size",
			Detail:   "queue_size must be at least 1",
			Subject:  block.DefRange.Ptr(),
		})
	}

	if diags.HasErrors() {
		return diags
	}

	if !def.Disabled {
		c.Subscriptions = append(c.Subscriptions, def)
	}
	return diags
}

// Attach registers every configured subscription on h and starts the report
// schedule. The returned function removes the listeners and stops the
// schedule.
func (c *Config) Attach(h *hub.EventHub) (func(), error) {
	var unsubscribes []hub.Unsubscribe
	var queues []*listeners.Async

	detach := func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
		for _, queue := range queues {
			_ = queue.Close()
		}
	}

	for _, def := range c.Subscriptions {
		for _, topic := range def.Topics {
			action := &actionListener{
				config:       c,
				subscription: def.Name,
				topic:        topic,
				action:       def.Action,
				prev:         cty.NullVal(cty.DynamicPseudoType),
			}

			listener := hub.Listener(action.Listen)
			if def.QueueSize != nil {
				queue := listeners.NewAsync(listener, *def.QueueSize, c.Logger).Start()
				queues = append(queues, queue)
				listener = queue.Listen
			}

			unsubscribe, err := h.Subscribe(topic, listener)
			if err != nil {
				detach()
				return nil, fmt.Errorf("subscription %s: %w", def.Name, err)
			}
			unsubscribes = append(unsubscribes, unsubscribe)
		}
	}

	stopReports := c.startReports(h)

	return func() {
		stopReports()
		detach()
	}, nil
}

type actionListener struct {
	config       *Config
	subscription string
	topic        string
	action       hcl.Expression

	mu   sync.Mutex
	prev cty.Value
}

func (a *actionListener) Listen(payload any) {
	logger := a.config.Logger.With(
		zap.String("subscription", a.subscription),
		zap.String("topic", a.topic),
	)

	msg, err := go2cty2go.AnyToCty(payload)
	if err != nil {
		logger.Error("Cannot convert message for action", zap.Error(err))
		return
	}

	a.mu.Lock()
	prev := a.prev
	a.prev = msg
	a.mu.Unlock()

	evalCtx := newContext().
		WithString("subscription", a.subscription).
		WithString("topic", a.topic).
		With("msg", msg).
		With("prev", prev).
		BuildEvalContext(a.config.evalCtx)

	if _, diags := a.action.Value(evalCtx); diags.HasErrors() {
		logger.Error("Error executing action", zap.Error(diags))
	}
}
