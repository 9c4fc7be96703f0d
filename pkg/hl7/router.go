package hl7

import (
	"context"
	"fmt"
	"time"

	"github.com/conduit-hie/conduit/pkg/broker"
	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/config"
	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/telemetry"
)

// RouterClassName is the class_name selecting the rule-based routing host.
const RouterClassName = "hl7.msg.Router"

// Transform is a named payload transform a routing rule can apply before
// sending. It must return a new
// envelope; the router stamps causation and routing itself.
type Transform func(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error)

// compiledRule pairs a config.RoutingRule with its parsed condition.
type compiledRule struct {
	cfg  config.RoutingRule
	cond *Condition
}

// Router is the HL7 Routing Engine process host: an ordered
// rule list evaluated first-match-wins over each message's HL7 fields.
type Router struct {
	name     string
	settings config.HostSettings
	rules    []compiledRule

	broker     *broker.Broker
	transforms map[string]Transform
	logger     *telemetry.Logger
}

// RouterOptions wires a Router. Rules are compiled here so a malformed
// condition fails the deploy, not the first message.
type RouterOptions struct {
	Name       string
	Settings   config.HostSettings
	Rules      []config.RoutingRule
	Broker     *broker.Broker
	Transforms map[string]Transform
	Logger     *telemetry.Logger
}

func NewRouter(opts RouterOptions) (*Router, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Nop
	}
	r := &Router{
		name:       opts.Name,
		settings:   opts.Settings,
		broker:     opts.Broker,
		transforms: opts.Transforms,
		logger:     logger,
	}
	for _, rc := range opts.Rules {
		cond, err := ParseCondition(rc.Condition)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.InvalidConfig, fmt.Sprintf("hl7 router %s: rule %q", opts.Name, rc.Name), err)
		}
		switch rc.Action {
		case config.ActionSend, config.ActionStop, config.ActionDelete:
		case config.ActionTransform:
			if _, ok := r.transforms[rc.Transform]; !ok {
				return nil, cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("hl7 router %s: rule %q names unknown transform %q", opts.Name, rc.Name, rc.Transform))
			}
		default:
			return nil, cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("hl7 router %s: rule %q has unknown action %q", opts.Name, rc.Name, rc.Action))
		}
		if (rc.Action == config.ActionSend || rc.Action == config.ActionTransform) && rc.Target == "" {
			return nil, cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("hl7 router %s: rule %q requires a target", opts.Name, rc.Name))
		}
		r.rules = append(r.rules, compiledRule{cfg: rc, cond: cond})
	}
	return r, nil
}

func (r *Router) OnInit(ctx context.Context) error     { return nil }
func (r *Router) OnStart(ctx context.Context) error    { return nil }
func (r *Router) OnStop(ctx context.Context) error     { return nil }
func (r *Router) OnTeardown(ctx context.Context) error { return nil }

// Process evaluates the rule list in declared order. First match wins
// unless the rule is marked continue; stop halts evaluation; delete drops
// the message as delivered with the dropped_by_rule tag.
func (r *Router) Process(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	msg, err := Parse(env.Payload.Raw())
	if err != nil {
		return env, cerrors.Wrap(cerrors.ValidationFailed, "hl7 router "+r.name+": unparseable message", err)
	}

	matched := 0
	for _, rule := range r.rules {
		ok, err := rule.cond.Eval(msg)
		if err != nil {
			return env, cerrors.Wrap(cerrors.RuleEvaluationError, fmt.Sprintf("hl7 router %s: rule %q", r.name, rule.cfg.Name), err)
		}
		if !ok {
			continue
		}
		matched++
		switch rule.cfg.Action {
		case config.ActionStop:
			return env, nil
		case config.ActionDelete:
			dropped := env
			dropped.Tags = append(append([]string{}, env.Tags...), "dropped_by_rule")
			dropped.Routing.RouteID = rule.cfg.Name
			return dropped, nil
		case config.ActionTransform:
			transformed, err := r.transforms[rule.cfg.Transform](ctx, env)
			if err != nil {
				return env, cerrors.Wrap(cerrors.TransformFailed, fmt.Sprintf("hl7 router %s: transform %q", r.name, rule.cfg.Transform), err)
			}
			if err := r.forward(ctx, transformed, rule.cfg, true); err != nil {
				return env, err
			}
		case config.ActionSend:
			if err := r.forward(ctx, env, rule.cfg, false); err != nil {
				return env, err
			}
		}
		if !rule.cfg.Continue {
			break
		}
	}
	if matched == 0 {
		r.logger.Debug(ctx, "hl7_router_no_match", map[string]any{
			"host": r.name, "message_id": env.MessageID, "message_type": env.MessageType,
		})
	}
	return env, nil
}

// forward sends a copy of env to the rule's target. The copy is a derived
// envelope (fresh message id, causation back to env) carrying the matched
// rule's name as route_id. Sync messaging patterns propagate the
// downstream result so a sync_reliable ingress sees the true outcome in
// its ACK.
func (r *Router) forward(ctx context.Context, env envelope.Envelope, rule config.RoutingRule, transformed bool) error {
	next := env.Derived(env.BodyClassName)
	next.Routing.Source = r.name
	next.Routing.RouteID = rule.Name
	if transformed {
		next.Tags = append(append([]string{}, next.Tags...), "transformed:"+rule.Transform)
	}

	switch r.settings.MessagingPattern {
	case config.PatternSyncReliable, config.PatternConcurrentSync:
		timeout := time.Duration(r.settings.MessageTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		if _, err := r.broker.SendRequestSync(ctx, r.name, rule.Target, next, timeout); err != nil {
			return err
		}
	default:
		if _, err := r.broker.SendRequestAsync(ctx, r.name, rule.Target, next); err != nil {
			return err
		}
	}
	return nil
}
