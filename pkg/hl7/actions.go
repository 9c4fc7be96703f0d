package hl7

import (
	"fmt"
	"strings"

	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/mllp"
)

// ReplyAction is what an outbound Operation does with a message after
// interpreting the peer's ACK code.
type ReplyAction byte

const (
	ActionSuccess ReplyAction = 'S' // commit
	ActionFail    ReplyAction = 'F' // fail, send to error route
	ActionRetry   ReplyAction = 'R' // retry after retry_interval
	ActionWarn    ReplyAction = 'W' // commit, emit warning trace tag
)

type replyRule struct {
	pattern string // "AA", "AE", "AR", "?E", "?R", "*"
	action  ReplyAction
}

// ReplyCodeActions is the parsed form of an Operation's reply_code_actions
// setting: an ordered list of pattern=action pairs, first match wins, with
// ":*" as the fallback.
type ReplyCodeActions struct {
	rules []replyRule
	src   string
}

// DefaultReplyCodeActions is applied when the setting is empty: accept on
// AA/CA, retry transient application errors, fail rejects, warn on
// anything else.
const DefaultReplyCodeActions = ":AA=S,:CA=S,:?E=R,:?R=F,:*=W"

// ParseReplyCodeActions compiles a spec like ":?R=F,:*=S". Patterns are
// ":AA", ":AE", ":AR", ":CA", ":?E" (any error), ":?R" (any reject), ":*"
// (any); actions are S, F, R, W.
func ParseReplyCodeActions(spec string) (*ReplyCodeActions, error) {
	if strings.TrimSpace(spec) == "" {
		spec = DefaultReplyCodeActions
	}
	rca := &ReplyCodeActions{src: spec}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return nil, cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("hl7: reply_code_actions entry %q missing '='", part))
		}
		pat, act := strings.TrimSpace(part[:eq]), strings.TrimSpace(part[eq+1:])
		if !strings.HasPrefix(pat, ":") {
			return nil, cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("hl7: reply_code_actions pattern %q must start with ':'", pat))
		}
		pat = pat[1:]
		switch pat {
		case "*", "?E", "?R":
		default:
			if len(pat) != 2 {
				return nil, cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("hl7: reply_code_actions pattern %q not recognised", part))
			}
		}
		if len(act) != 1 {
			return nil, cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("hl7: reply_code_actions action %q not recognised", act))
		}
		action := ReplyAction(act[0])
		switch action {
		case ActionSuccess, ActionFail, ActionRetry, ActionWarn:
		default:
			return nil, cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("hl7: reply_code_actions action %q not one of S,F,R,W", act))
		}
		rca.rules = append(rca.rules, replyRule{pattern: pat, action: action})
	}
	if len(rca.rules) == 0 {
		return nil, cerrors.New(cerrors.InvalidConfig, "hl7: reply_code_actions is empty")
	}
	return rca, nil
}

// ActionFor resolves the peer's MSA-1 code to an action. An unmatched code
// with no ":*" rule fails closed.
func (r *ReplyCodeActions) ActionFor(code mllp.AckCode) ReplyAction {
	c := string(code)
	for _, rule := range r.rules {
		switch rule.pattern {
		case "*":
			return rule.action
		case "?E":
			if strings.HasSuffix(c, "E") {
				return rule.action
			}
		case "?R":
			if strings.HasSuffix(c, "R") {
				return rule.action
			}
		default:
			if c == rule.pattern {
				return rule.action
			}
		}
	}
	return ActionFail
}

// String returns the source spec.
func (r *ReplyCodeActions) String() string { return r.src }
