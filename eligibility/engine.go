// Package eligibility defines the decision-engine boundary of the bridge.
//
// The bridge never interprets coverage or benefit fields: a Checker returns
// an opaque JSON document that is passed back to the speech model verbatim.
// MockEngine provides a self-contained engine for tests and demos;
// HTTPClient talks to a remote engine over REST.
package eligibility

import (
	"context"
	"encoding/json"
)

// Request carries the structured lookup parameters collected during the
// conversation. MemberID and DateOfBirth are required; the rest narrow the
// check to a procedure or medication.
type Request struct {
	MemberID       string `json:"member_id"`
	DateOfBirth    string `json:"date_of_birth,omitempty"`
	ProcedureCode  string `json:"procedure_code,omitempty"`
	MedicationName string `json:"medication_name,omitempty"`
	NDCCode        string `json:"ndc_code,omitempty"`
	ServiceType    string `json:"service_type,omitempty"`
	ServiceDate    string `json:"service_date,omitempty"`
}

// Checker is the synchronous lookup invoked through function-call mediation.
// The returned document is relayed to the model without interpretation. A
// non-nil error is surfaced to the model as a structured failure, never as a
// call abort.
type Checker interface {
	CheckEligibility(ctx context.Context, req Request) (json.RawMessage, error)
}
