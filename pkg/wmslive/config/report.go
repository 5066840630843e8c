package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/robfig/cron/v3"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/tsarna/wmslive/pkg/wmslive/hub"
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ReportDefinition is a report block: an action evaluated on a cron
// schedule with the hub's status in ctx.status, ctx.connected, ctx.topics
// and ctx.listeners.
type ReportDefinition struct {
	Name     string
	Schedule string         `hcl:"schedule"`
	Action   hcl.Expression `hcl:"action"`
	DefRange hcl.Range      `hcl:",def_range"`

	schedule cron.Schedule
}

func (c *Config) processReportBlock(block *hcl.Block) hcl.Diagnostics {
	def := &ReportDefinition{}
	diags := gohcl.DecodeBody(block.Body, c.evalCtx, def)
	if diags.HasErrors() {
		return diags
	}
	def.Name = block.Labels[0]

	for _, existing := range c.Reports {
		if existing.Name == def.Name {
			return diags.Append(duplicateDiag("report", def.Name, block.DefRange, existing.DefRange))
		}
	}

	schedule, err := scheduleParser.Parse(def.Schedule)
	if err != nil {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid schedule",
			Detail:   fmt.Sprintf("Report %s: %s", def.Name, err),
			Subject:  block.DefRange.Ptr(),
		})
	}
	def.schedule = schedule

	c.Reports = append(c.Reports, def)
	return diags
}

func (c *Config) startReports(h *hub.EventHub) func() {
	if len(c.Reports) == 0 {
		return func() {}
	}

	scheduler := cron.New(cron.WithLogger(NewZapCronLogger(c.Logger)), cron.WithParser(scheduleParser))
	for _, def := range c.Reports {
		scheduler.Schedule(def.schedule, &reportJob{config: c, report: def, hub: h})
	}
	scheduler.Start()

	return func() {
		<-scheduler.Stop().Done()
	}
}

type reportJob struct {
	config *Config
	report *ReportDefinition
	hub    *hub.EventHub
}

func (j *reportJob) Run() {
	topics := j.hub.Topics()

	counts := make(map[string]cty.Value, len(topics))
	for _, topic := range topics {
		counts[topic] = cty.NumberIntVal(int64(j.hub.ListenerCount(topic)))
	}
	listenerCounts := cty.MapValEmpty(cty.Number)
	if len(counts) > 0 {
		listenerCounts = cty.MapVal(counts)
	}

	evalCtx := newContext().
		WithString("report", j.report.Name).
		WithString("status", j.hub.Status().String()).
		With("connected", cty.BoolVal(j.hub.IsConnected())).
		With("topics", stringList(topics)).
		With("listeners", listenerCounts).
		BuildEvalContext(j.config.evalCtx)

	if _, diags := j.report.Action.Value(evalCtx); diags.HasErrors() {
		j.config.Logger.Error("Error executing report", zap.String("report", j.report.Name), zap.Error(diags))
	}
}

// ZapCronLogger adapts a zap.Logger to the cron.Logger interface.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

// Info logs cron's routine chatter at debug level.
func (z *ZapCronLogger) Info(msg string, keysAndValues ...any) {
	z.logger.Debug(msg, cronFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	z.logger.Error(msg, append([]zap.Field{zap.Error(err)}, cronFields(keysAndValues)...)...)
}

func cronFields(keysAndValues []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
