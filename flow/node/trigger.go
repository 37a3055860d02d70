package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Start is the manual trigger: it forwards the payload the execution was
// started with.
type Start struct{}

func (*Start) Definition() Definition {
	return Definition{
		Key:      KeyStart,
		Name:     "Start",
		Category: CategoryTrigger,
		Outputs:  mainOutputs(),
		Trigger:  true,
		Params: []ParamSpec{
			{Name: "data", Label: "Static Data", Type: ParamObject},
		},
	}
}

func (*Start) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	out := make(map[string]any, len(rc.Trigger)+1)
	if static := p.Map("data"); static != nil {
		for k, v := range static {
			out[k] = v
		}
	}
	for k, v := range rc.Trigger {
		out[k] = v
	}
	return Success(out)
}

// Webhook is the HTTP trigger: it unwraps the request envelope the webhook
// transport packaged into the trigger payload.
type Webhook struct{}

func (*Webhook) Definition() Definition {
	return Definition{
		Key:      KeyWebhook,
		Name:     "Webhook",
		Category: CategoryTrigger,
		Outputs:  mainOutputs(),
		Trigger:  true,
		Webhook:  true,
		Params: []ParamSpec{
			{
				Name: "path", Label: "Path", Type: ParamString, Required: true,
				Validation: &Validation{MinLength: 1, MaxLength: 200},
			},
			{
				Name: "method", Label: "Method", Type: ParamSelect,
				Options: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "ANY"},
				Default: "ANY",
			},
		},
	}
}

func (*Webhook) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	out := map[string]any{
		"method":  "",
		"path":    p.String("path"),
		"query":   map[string]any{},
		"headers": map[string]any{},
		"body":    nil,
	}
	for k := range out {
		if v, ok := rc.Trigger[k]; ok {
			out[k] = v
		}
	}
	return Success(out)
}

// Schedule is the cron trigger. Outside a scheduler process it reports the
// firing time and the next occurrence.
type Schedule struct{}

func (*Schedule) Definition() Definition {
	return Definition{
		Key:      KeySchedule,
		Name:     "Schedule",
		Category: CategoryTrigger,
		Outputs:  mainOutputs(),
		Trigger:  true,
		Params: []ParamSpec{
			{Name: "cron", Label: "Cron Expression", Type: ParamString, Required: true},
		},
	}
}

// ValidateStatic rejects malformed cron expressions before any execution
// is created. Expression-bearing values are deferred to runtime.
func (*Schedule) ValidateStatic(params map[string]any) error {
	v, ok := params["cron"]
	if !ok {
		return nil
	}
	s, isStr := v.(string)
	if !isStr {
		return fmt.Errorf("cron expression must be a string")
	}
	if strings.Contains(s, "{{") {
		return nil
	}
	_, err := ParseCron(s)
	return err
}

func (*Schedule) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	spec := p.String("cron")
	sched, err := ParseCron(spec)
	if err != nil {
		return FailWith(ValidationKind, "invalid cron expression", err)
	}
	now := time.Now()
	if rc.Clock != nil {
		now = rc.Clock.Now()
	}
	if rc.Expr != nil && rc.Expr.Location != nil {
		now = now.In(rc.Expr.Location)
	}
	return Success(map[string]any{
		"timestamp": now.Format(time.RFC3339),
		"cron":      spec,
		"nextRun":   sched.Next(now).Format(time.RFC3339),
	})
}

var (
	cronStandard = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronSeconds  = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseCron accepts standard five-field cron expressions, six-field
// expressions with a leading seconds column, and @-descriptors.
func ParseCron(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(s, "@") || len(strings.Fields(s)) != 6 {
		return cronStandard.Parse(s)
	}
	return cronSeconds.Parse(s)
}
