package hl7

import (
	"testing"

	"github.com/conduit-hie/conduit/pkg/mllp"
)

func TestParseReplyCodeActionsOrderFirstMatchWins(t *testing.T) {
	rca, err := ParseReplyCodeActions(":?R=F,:*=S")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := rca.ActionFor(mllp.AckApplicationReject); got != ActionFail {
		t.Errorf("AR -> %c, want F", got)
	}
	if got := rca.ActionFor(mllp.AckApplicationAccept); got != ActionSuccess {
		t.Errorf("AA -> %c, want S (fallback :*)", got)
	}
	if got := rca.ActionFor(mllp.AckApplicationError); got != ActionSuccess {
		t.Errorf("AE -> %c, want S (fallback :*)", got)
	}
}

func TestReplyCodeActionsWildcards(t *testing.T) {
	rca, err := ParseReplyCodeActions(":AA=S,:?E=R,:?R=W")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cases := []struct {
		code mllp.AckCode
		want ReplyAction
	}{
		{mllp.AckApplicationAccept, ActionSuccess},
		{mllp.AckApplicationError, ActionRetry},
		{"CE", ActionRetry}, // ?E matches any *E
		{mllp.AckApplicationReject, ActionWarn},
		{"CR", ActionWarn}, // ?R matches any *R
		{mllp.AckCommitAccept, ActionFail}, // no match, no :* -> fail closed
	}
	for _, c := range cases {
		if got := rca.ActionFor(c.code); got != c.want {
			t.Errorf("ActionFor(%s) = %c, want %c", c.code, got, c.want)
		}
	}
}

func TestReplyCodeActionsDefaultWhenEmpty(t *testing.T) {
	rca, err := ParseReplyCodeActions("")
	if err != nil {
		t.Fatalf("parse default: %v", err)
	}
	if got := rca.ActionFor(mllp.AckApplicationAccept); got != ActionSuccess {
		t.Errorf("default AA -> %c, want S", got)
	}
	if got := rca.ActionFor(mllp.AckApplicationError); got != ActionRetry {
		t.Errorf("default AE -> %c, want R", got)
	}
	if got := rca.ActionFor(mllp.AckApplicationReject); got != ActionFail {
		t.Errorf("default AR -> %c, want F", got)
	}
}

func TestParseReplyCodeActionsRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		":AA",      // no action
		"AA=S",     // missing leading colon
		":AA=X",    // unknown action
		":TOOLONG=S",
		":AA=SS",
	} {
		if _, err := ParseReplyCodeActions(bad); err == nil {
			t.Errorf("ParseReplyCodeActions(%q): expected error", bad)
		}
	}
}
