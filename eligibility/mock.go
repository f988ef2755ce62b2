package eligibility

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Verify interface compliance at compile time.
var _ Checker = (*MockEngine)(nil)

// MockEngine simulates an eligibility verification service, loosely modeled
// on X12 270/271 responses. It backs tests and demo deployments; production
// deployments supply their own Checker.
type MockEngine struct {
	members    map[string]member
	procedures map[string]procedure
	drugs      map[string]drug
}

type member struct {
	MemberID             string
	FirstName            string
	LastName             string
	DOB                  string
	PolicyNumber         string
	CoverageStatus       string
	PlanType             string
	EffectiveDate        string
	TerminationDate      string
	CopaySpecialist      float64
	CopayPrimary         float64
	DeductibleIndividual float64
	DeductibleMet        float64
	OutOfPocketMax       float64
	OutOfPocketMet       float64
}

type procedure struct {
	Name         string
	Covered      bool
	RequiresAuth bool
}

type drug struct {
	Name         string
	Covered      bool
	Tier         int
	Copay        float64
	RequiresAuth bool
}

// NewMockEngine creates an engine with a small fixed panel of members,
// procedures, and medications.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		members: map[string]member{
			"MB123456": {
				MemberID: "MB123456", FirstName: "John", LastName: "Doe",
				DOB: "1985-03-15", PolicyNumber: "POL789456",
				CoverageStatus: "active", PlanType: "PPO", EffectiveDate: "2024-01-01",
				CopaySpecialist: 40, CopayPrimary: 25,
				DeductibleIndividual: 1500, DeductibleMet: 450,
				OutOfPocketMax: 6000, OutOfPocketMet: 890,
			},
			"MB789012": {
				MemberID: "MB789012", FirstName: "Jane", LastName: "Smith",
				DOB: "1990-07-22", PolicyNumber: "POL456123",
				CoverageStatus: "active", PlanType: "HMO", EffectiveDate: "2023-06-01",
				CopaySpecialist: 50, CopayPrimary: 20,
				DeductibleIndividual: 2000, DeductibleMet: 2000,
				OutOfPocketMax: 7500, OutOfPocketMet: 3200,
			},
			"MB345678": {
				MemberID: "MB345678", FirstName: "Robert", LastName: "Johnson",
				DOB: "1975-11-30", PolicyNumber: "POL123789",
				CoverageStatus: "inactive", PlanType: "PPO", EffectiveDate: "2022-01-01",
				TerminationDate: "2023-12-31",
			},
		},
		procedures: map[string]procedure{
			"99213": {Name: "Office Visit - Established Patient", Covered: true},
			"99214": {Name: "Office Visit - Detailed", Covered: true},
			"99285": {Name: "Emergency Department Visit", Covered: true},
			"80053": {Name: "Comprehensive Metabolic Panel", Covered: true},
			"71045": {Name: "Chest X-Ray", Covered: true},
			"70450": {Name: "CT Head/Brain without Contrast", Covered: true, RequiresAuth: true},
			"70553": {Name: "MRI Brain", Covered: true, RequiresAuth: true},
			"27447": {Name: "Total Knee Replacement", Covered: true, RequiresAuth: true},
			"J1745": {Name: "Infliximab Injection", Covered: true, RequiresAuth: true},
			"J9035": {Name: "Bevacizumab Injection", Covered: false},
			"G0438": {Name: "Annual Wellness Visit", Covered: true},
		},
		drugs: map[string]drug{
			"00002-7510-01": {Name: "Atorvastatin 20mg", Covered: true, Tier: 1, Copay: 10},
			"00069-0950-68": {Name: "Metformin 500mg", Covered: true, Tier: 1, Copay: 10},
			"00069-1530-01": {Name: "Lisinopril 10mg", Covered: true, Tier: 1, Copay: 10},
			"50090-3568-00": {Name: "Humira 40mg/0.8ml", Covered: true, Tier: 3, Copay: 150, RequiresAuth: true},
			"00052-0602-02": {Name: "Eliquis 5mg", Covered: true, Tier: 2, Copay: 45},
			"12345-6789-00": {Name: "Experimental Drug XYZ", Covered: false},
		},
	}
}

// CheckEligibility runs the lookup. Validation failures come back as
// structured error documents, not Go errors.
func (m *MockEngine) CheckEligibility(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.MemberID == "" {
		return m.errorResponse("Missing required field: member_id", "")
	}

	mem, ok := m.members[req.MemberID]
	if !ok {
		return m.errorResponse("Member not found", req.MemberID)
	}
	if req.DateOfBirth != "" && mem.DOB != req.DateOfBirth {
		return m.errorResponse("Date of birth does not match records", req.MemberID)
	}
	if mem.CoverageStatus != "active" {
		return m.inactiveResponse(mem)
	}

	serviceDate := req.ServiceDate
	if serviceDate == "" {
		serviceDate = time.Now().Format("2006-01-02")
	}

	ndc := req.NDCCode
	if ndc == "" && req.MedicationName != "" {
		if code, _, ok := m.ResolveMedication(req.MedicationName); ok {
			ndc = code
		}
	}

	switch {
	case ndc != "":
		return m.pharmacyResponse(mem, ndc, serviceDate)
	case req.ProcedureCode != "":
		return m.medicalResponse(mem, req.ProcedureCode, serviceDate)
	default:
		return marshal(m.generalResponse(mem, serviceDate))
	}
}

// generalResponse is the eligibility document without a specific service.
func (m *MockEngine) generalResponse(mem member, serviceDate string) map[string]any {
	return map[string]any{
		"status":             "success",
		"eligibility_status": "eligible",
		"response_code":      "200",
		"member_info": map[string]any{
			"member_id":     mem.MemberID,
			"name":          mem.FirstName + " " + mem.LastName,
			"dob":           mem.DOB,
			"policy_number": mem.PolicyNumber,
		},
		"coverage_info": map[string]any{
			"status":         "active",
			"plan_type":      mem.PlanType,
			"effective_date": mem.EffectiveDate,
		},
		"financial_info": map[string]any{
			"deductible": map[string]any{
				"individual": mem.DeductibleIndividual,
				"met":        mem.DeductibleMet,
				"remaining":  mem.DeductibleIndividual - mem.DeductibleMet,
			},
			"out_of_pocket": map[string]any{
				"max":       mem.OutOfPocketMax,
				"met":       mem.OutOfPocketMet,
				"remaining": mem.OutOfPocketMax - mem.OutOfPocketMet,
			},
			"copays": map[string]any{
				"primary_care": mem.CopayPrimary,
				"specialist":   mem.CopaySpecialist,
			},
		},
		"service_date": serviceDate,
		"timestamp":    time.Now().Format(time.RFC3339),
	}
}

func (m *MockEngine) medicalResponse(mem member, code, serviceDate string) (json.RawMessage, error) {
	proc, ok := m.procedures[code]
	if !ok {
		proc = procedure{Name: fmt.Sprintf("Unknown Procedure %s", code)}
	}

	resp := m.generalResponse(mem, serviceDate)
	resp["service_specific"] = map[string]any{
		"procedure_code":               code,
		"procedure_name":               proc.Name,
		"covered":                      proc.Covered,
		"requires_prior_authorization": proc.RequiresAuth,
		"benefit_details":              m.benefit(mem, proc),
	}

	if !proc.Covered {
		resp["eligibility_status"] = "not_covered"
		resp["message"] = fmt.Sprintf("Procedure %s (%s) is not covered under this plan", code, proc.Name)
	} else if proc.RequiresAuth {
		resp["eligibility_status"] = "eligible_with_conditions"
		resp["message"] = "Prior authorization required for this procedure"
	}

	return marshal(resp)
}

func (m *MockEngine) pharmacyResponse(mem member, ndc, serviceDate string) (json.RawMessage, error) {
	d, ok := m.drugs[ndc]
	if !ok {
		d = drug{Name: fmt.Sprintf("Unknown Medication %s", ndc)}
	}

	resp := m.generalResponse(mem, serviceDate)
	resp["service_type"] = "pharmacy"
	resp["pharmacy_specific"] = map[string]any{
		"ndc_code":                     ndc,
		"medication_name":              d.Name,
		"covered":                      d.Covered,
		"formulary_tier":               d.Tier,
		"copay_amount":                 d.Copay,
		"requires_prior_authorization": d.RequiresAuth,
	}

	if !d.Covered {
		resp["eligibility_status"] = "not_covered"
		resp["message"] = fmt.Sprintf("Medication %s is not covered under this plan's formulary", d.Name)
	} else if d.RequiresAuth {
		resp["eligibility_status"] = "eligible_with_conditions"
		resp["message"] = "Prior authorization required for this medication"
	}

	return marshal(resp)
}

// benefit estimates patient responsibility for a covered procedure.
func (m *MockEngine) benefit(mem member, proc procedure) map[string]any {
	if !proc.Covered {
		return map[string]any{
			"patient_responsibility": "Not covered",
			"notes":                  "This service is not covered under the plan",
		}
	}

	remaining := mem.DeductibleIndividual - mem.DeductibleMet
	if remaining > 0 {
		return map[string]any{
			"patient_responsibility": "Deductible + Coinsurance",
			"deductible_applies":     true,
			"deductible_remaining":   remaining,
			"notes":                  "Patient must meet deductible before insurance coverage begins",
		}
	}

	copay := mem.CopayPrimary
	if strings.Contains(strings.ToLower(proc.Name), "surgery") {
		copay = mem.CopaySpecialist
	}
	return map[string]any{
		"patient_responsibility": fmt.Sprintf("Copay: $%.2f", copay),
		"deductible_applies":     false,
		"copay_amount":           copay,
		"notes":                  "Deductible has been met",
	}
}

func (m *MockEngine) inactiveResponse(mem member) (json.RawMessage, error) {
	return marshal(map[string]any{
		"status":             "success",
		"eligibility_status": "not_eligible",
		"response_code":      "201",
		"member_info": map[string]any{
			"member_id": mem.MemberID,
			"name":      mem.FirstName + " " + mem.LastName,
			"dob":       mem.DOB,
		},
		"coverage_info": map[string]any{
			"status":           "inactive",
			"termination_date": mem.TerminationDate,
		},
		"message":   "Coverage is not active. Please contact member services.",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (m *MockEngine) errorResponse(message, memberID string) (json.RawMessage, error) {
	return marshal(map[string]any{
		"status":        "error",
		"response_code": "400",
		"message":       message,
		"member_id":     memberID,
		"timestamp":     time.Now().Format(time.RFC3339),
	})
}

// ResolveMedication maps a spoken medication name to an NDC code by
// substring match.
func (m *MockEngine) ResolveMedication(name string) (code, fullName string, ok bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return "", "", false
	}
	for c, d := range m.drugs {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return c, d.Name, true
		}
	}
	return "", "", false
}

// ResolveProcedure maps a spoken procedure name to a CPT code by substring
// match.
func (m *MockEngine) ResolveProcedure(name string) (code, fullName string, ok bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return "", "", false
	}
	for c, p := range m.procedures {
		if strings.Contains(strings.ToLower(p.Name), needle) {
			return c, p.Name, true
		}
	}
	return "", "", false
}

func marshal(v map[string]any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("eligibility: encode response: %w", err)
	}
	return data, nil
}
