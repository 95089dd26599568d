package lifecycle

import (
	"errors"
	"testing"
)

func TestValidateTransition_AbsentEdgesFailForEveryActor(t *testing.T) {
	allowed := map[[2]Status]bool{}
	for e := range transitionRules {
		allowed[[2]Status{e.from, e.to}] = true
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			if allowed[[2]Status{from, to}] || from.Terminal() {
				continue
			}
			for _, actor := range []ActorType{ActorAgent, ActorHuman, ActorSystem} {
				err := ValidateTransition(from, to, actor, nil)
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("%s -> %s by %s: got %v, want ErrInvalidTransition", from, to, actor, err)
				}
			}
		}
	}
}

func TestValidateTransition_TerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for e := range transitionRules {
		if e.from.Terminal() {
			t.Fatalf("rule table has outgoing edge from terminal state %s", e.from)
		}
	}
	for _, from := range []Status{StatusDone, StatusCanceled} {
		for _, to := range AllStatuses {
			err := ValidateTransition(from, to, ActorHuman, Artifacts{ArtifactApprovalRecord: "x"})
			if !errors.Is(err, ErrAlreadyTerminal) {
				t.Fatalf("%s -> %s: got %v, want ErrAlreadyTerminal", from, to, err)
			}
		}
	}
}

func TestValidateTransition_ReviewToDone(t *testing.T) {
	// Human without approvalRecord: missing artifact.
	err := ValidateTransition(StatusReview, StatusDone, ActorHuman, nil)
	if !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("got %v, want ErrMissingArtifact", err)
	}

	// Agent and system are never allowed, even with the artifact.
	withRecord := Artifacts{ArtifactApprovalRecord: "approval-1"}
	for _, actor := range []ActorType{ActorAgent, ActorSystem} {
		err := ValidateTransition(StatusReview, StatusDone, actor, withRecord)
		if !errors.Is(err, ErrActorNotAllowed) {
			t.Fatalf("%s: got %v, want ErrActorNotAllowed", actor, err)
		}
	}

	if err := ValidateTransition(StatusReview, StatusDone, ActorHuman, withRecord); err != nil {
		t.Fatalf("human with approvalRecord: %v", err)
	}
}

func TestValidateTransition_ArtifactGates(t *testing.T) {
	cases := []struct {
		name      string
		from, to  Status
		actor     ActorType
		artifacts Artifacts
		wantErr   error
	}{
		{"start without work plan", StatusAssigned, StatusInProgress, ActorAgent, nil, ErrMissingArtifact},
		{"start with empty work plan", StatusAssigned, StatusInProgress, ActorAgent, Artifacts{ArtifactWorkPlan: "  "}, ErrMissingArtifact},
		{"start with work plan", StatusAssigned, StatusInProgress, ActorAgent, Artifacts{ArtifactWorkPlan: "plan"}, nil},
		{"review without self review", StatusInProgress, StatusReview, ActorAgent, Artifacts{ArtifactDeliverable: "pr"}, ErrMissingArtifact},
		{"review with both", StatusInProgress, StatusReview, ActorAgent, Artifacts{ArtifactDeliverable: "pr", ArtifactSelfReview: "ok"}, nil},
		{"needs approval to done without record", StatusNeedsApproval, StatusDone, ActorHuman, nil, ErrMissingArtifact},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTransition(tc.from, tc.to, tc.actor, tc.artifacts)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateTransition_ActorMatrix(t *testing.T) {
	cases := []struct {
		from, to Status
		actor    ActorType
		ok       bool
	}{
		{StatusInbox, StatusAssigned, ActorSystem, true},
		{StatusInbox, StatusCanceled, ActorAgent, false},
		{StatusInbox, StatusCanceled, ActorHuman, true},
		{StatusInProgress, StatusNeedsApproval, ActorAgent, false},
		{StatusInProgress, StatusNeedsApproval, ActorHuman, false},
		{StatusInProgress, StatusNeedsApproval, ActorSystem, true},
		{StatusInProgress, StatusBlocked, ActorSystem, true},
		{StatusReview, StatusBlocked, ActorAgent, false},
		{StatusReview, StatusBlocked, ActorSystem, true},
		{StatusBlocked, StatusNeedsApproval, ActorSystem, true},
		{StatusBlocked, StatusInProgress, ActorAgent, false},
		{StatusBlocked, StatusInProgress, ActorHuman, true},
		{StatusNeedsApproval, StatusReview, ActorSystem, false},
	}
	for _, tc := range cases {
		artifacts := Artifacts{
			ArtifactWorkPlan:       "plan",
			ArtifactDeliverable:    "out",
			ArtifactSelfReview:     "checked",
			ArtifactApprovalRecord: "rec",
		}
		err := ValidateTransition(tc.from, tc.to, tc.actor, artifacts)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s by %s: unexpected %v", tc.from, tc.to, tc.actor, err)
		}
		if !tc.ok && !errors.Is(err, ErrActorNotAllowed) {
			t.Fatalf("%s -> %s by %s: got %v, want ErrActorNotAllowed", tc.from, tc.to, tc.actor, err)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("IN_PROGRESS"); err != nil {
		t.Fatalf("parse IN_PROGRESS: %v", err)
	}
	if _, err := ParseStatus("in_progress"); err == nil {
		t.Fatal("lowercase status must be rejected")
	}
	if _, err := ParseStatus("RUNNING"); err == nil {
		t.Fatal("unknown status must be rejected")
	}
}

func TestParseActorType(t *testing.T) {
	for _, s := range []string{"AGENT", "HUMAN", "SYSTEM"} {
		if _, err := ParseActorType(s); err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
	}
	if _, err := ParseActorType("ROBOT"); err == nil {
		t.Fatal("unknown actor must be rejected")
	}
}

func TestRiskLevelAtLeast(t *testing.T) {
	if !RiskRed.AtLeast(RiskYellow) {
		t.Fatal("RED should be at least YELLOW")
	}
	if RiskGreen.AtLeast(RiskYellow) {
		t.Fatal("GREEN should not be at least YELLOW")
	}
	if !RiskYellow.AtLeast(RiskYellow) {
		t.Fatal("YELLOW should be at least YELLOW")
	}
}

func TestRequiresAssignees(t *testing.T) {
	if !RequiresAssignees(StatusInbox, StatusAssigned) {
		t.Fatal("INBOX -> ASSIGNED requires assignees")
	}
	if RequiresAssignees(StatusAssigned, StatusInProgress) {
		t.Fatal("ASSIGNED -> IN_PROGRESS does not require assignees")
	}
}
