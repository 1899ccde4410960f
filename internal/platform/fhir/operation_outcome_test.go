package fhir

import (
	"encoding/json"
	"testing"
)

func TestNewOperationOutcome(t *testing.T) {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, "something went wrong")

	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected resourceType OperationOutcome, got %s", oo.ResourceType)
	}
	if len(oo.Issue) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(oo.Issue))
	}
	if oo.Issue[0].Severity != "error" || oo.Issue[0].Code != "processing" {
		t.Errorf("unexpected issue %+v", oo.Issue[0])
	}
	if oo.Issue[0].Diagnostics != "something went wrong" {
		t.Errorf("expected diagnostics 'something went wrong', got %s", oo.Issue[0].Diagnostics)
	}
}

func TestOutcomeBuilder_Summary(t *testing.T) {
	oo := NewOutcomeBuilder().
		AddIssue(IssueSeverityWarning, IssueTypeProcessing, "ignored").
		AddIssue(IssueSeverityError, IssueTypeRequired, "id is required").
		AddIssueWithLocation(IssueSeverityError, IssueTypeValue, "bad status", "status").
		AddIssue(IssueSeverityFatal, IssueTypeException, "").
		Build()
	if !oo.HasErrors() {
		t.Error("expected HasErrors")
	}
	if got := oo.Summary(); got != "id is required; bad status; exception" {
		t.Errorf("unexpected summary %q", got)
	}
	if oo.Issue[2].Expression[0] != "status" {
		t.Errorf("expected location on the third issue, got %+v", oo.Issue[2])
	}
}

func TestOperationOutcome_WarningsAreNotErrors(t *testing.T) {
	oo := NewOutcomeBuilder().
		AddIssue(IssueSeverityWarning, IssueTypeProcessing, "check me").
		AddIssue(IssueSeverityInformation, IssueTypeProcessing, "fyi").
		Build()
	if oo.HasErrors() {
		t.Error("expected no errors")
	}
	if oo.Summary() != "" {
		t.Errorf("expected empty summary, got %q", oo.Summary())
	}
}

func TestOperationOutcome_JSON(t *testing.T) {
	oo := NewOutcomeBuilder().AddIssue(IssueSeverityError, IssueTypeTooCostly, "").Build()
	data, err := json.Marshal(oo)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"too-costly"}]}` {
		t.Errorf("unexpected JSON %s", data)
	}
}
