package model

import (
	"github.com/rotisserie/eris"
)

// Gender of a member, as carried on the eligibility file.
type Gender string

const (
	GenderMale    Gender = "M"
	GenderFemale  Gender = "F"
	GenderUnknown Gender = "U"
)

// Member holds the demographics exposed to plan rules.
type Member struct {
	ID          string `json:"member_id" yaml:"member_id"`
	DateOfBirth Date   `json:"date_of_birth" yaml:"date_of_birth"`
	Gender      Gender `json:"gender" yaml:"gender"`
	State       string `json:"state" yaml:"state"`
}

// Drug is a product identified by its NDC.
type Drug struct {
	NDC     string `json:"ndc" yaml:"ndc"`
	Name    string `json:"name" yaml:"name"`
	Class   string `json:"drug_class" yaml:"drug_class"`
	Generic bool   `json:"generic" yaml:"generic"`
	Brand   bool   `json:"brand" yaml:"brand"`
	// Type is SPECIALTY, MAINTENANCE or ACUTE.
	Type              string `json:"drug_type,omitempty" yaml:"drug_type"`
	DEASchedule       string `json:"dea_schedule,omitempty" yaml:"dea_schedule"`
	PregnancyCategory string `json:"pregnancy_category,omitempty" yaml:"pregnancy_category"`
}

// InteractionSeverity grades a drug-drug interaction.
type InteractionSeverity string

const (
	SeverityContraindicated InteractionSeverity = "CONTRAINDICATED"
	SeverityMajor           InteractionSeverity = "MAJOR"
	SeverityModerate        InteractionSeverity = "MODERATE"
	SeverityMinor           InteractionSeverity = "MINOR"
)

// Rejects reports whether a claim must be declined when it triggers an
// interaction of this severity.
func (s InteractionSeverity) Rejects() bool {
	return s == SeverityContraindicated || s == SeverityMajor
}

// DrugInteraction is a known interaction between two products.
type DrugInteraction struct {
	Code            string              `json:"interaction_code" yaml:"interaction_code"`
	DrugA           string              `json:"drug_1_ndc" yaml:"drug_1_ndc"`
	DrugB           string              `json:"drug_2_ndc" yaml:"drug_2_ndc"`
	Severity        InteractionSeverity `json:"severity" yaml:"severity"`
	ClinicalEffects string              `json:"clinical_effects,omitempty" yaml:"clinical_effects"`
}

// Other returns the product ndc interacts with, or "" if the interaction
// does not involve ndc.
func (d DrugInteraction) Other(ndc string) string {
	switch ndc {
	case d.DrugA:
		return d.DrugB
	case d.DrugB:
		return d.DrugA
	}
	return ""
}

// PharmacyType classifies a dispensing pharmacy.
type PharmacyType string

const (
	PharmacyRetail       PharmacyType = "RETAIL"
	PharmacyMailOrder    PharmacyType = "MAIL_ORDER"
	PharmacySpecialty    PharmacyType = "SPECIALTY"
	PharmacyLongTermCare PharmacyType = "LONG_TERM_CARE"
)

// NetworkStatus is the contract status of a pharmacy in a network.
type NetworkStatus string

const (
	NetworkActive    NetworkStatus = "ACTIVE"
	NetworkInactive  NetworkStatus = "INACTIVE"
	NetworkSuspended NetworkStatus = "SUSPENDED"
)

// NetworkParticipation records a pharmacy's contract with one network.
type NetworkParticipation struct {
	NetworkID       string        `json:"network_id" yaml:"network_id"`
	Status          NetworkStatus `json:"status" yaml:"status"`
	EffectiveDate   Date          `json:"effective_date" yaml:"effective_date"`
	TerminationDate Date          `json:"termination_date,omitempty" yaml:"termination_date"`
	Preferred       bool          `json:"preferred" yaml:"preferred"`
}

// Covers reports whether the participation is active on date.
func (n NetworkParticipation) Covers(date Date) bool {
	if n.Status != NetworkActive {
		return false
	}
	if n.EffectiveDate.After(date) {
		return false
	}
	return n.TerminationDate.IsZero() || !n.TerminationDate.Before(date)
}

// Pharmacy is a dispensing location and its network contracts.
type Pharmacy struct {
	ID       string                 `json:"pharmacy_id" yaml:"pharmacy_id"`
	Name     string                 `json:"name" yaml:"name"`
	Type     PharmacyType           `json:"type" yaml:"type"`
	Networks []NetworkParticipation `json:"networks" yaml:"networks"`
}

// Enrollment places a member in a plan for a date interval. A zero
// TerminationDate means open-ended. An enrollment with no active flag on
// file is active.
type Enrollment struct {
	MemberID        string `json:"member_id" yaml:"member_id"`
	PlanID          string `json:"plan_id" yaml:"plan_id"`
	EffectiveDate   Date   `json:"effective_date" yaml:"effective_date"`
	TerminationDate Date   `json:"termination_date,omitempty" yaml:"termination_date"`
	Active          *bool  `json:"is_active,omitempty" yaml:"is_active"`
}

// IsActive reports whether the enrollment has not been deactivated.
func (e Enrollment) IsActive() bool {
	return e.Active == nil || *e.Active
}

// Validate checks the enrollment interval.
func (e Enrollment) Validate() error {
	if e.MemberID == "" || e.PlanID == "" {
		return eris.New("model: enrollment requires member_id and plan_id")
	}
	if e.EffectiveDate.IsZero() {
		return eris.Errorf("model: enrollment %s/%s has no effective date", e.MemberID, e.PlanID)
	}
	if !e.TerminationDate.IsZero() && e.TerminationDate.Before(e.EffectiveDate) {
		return eris.Errorf("model: enrollment %s/%s terminates before it takes effect", e.MemberID, e.PlanID)
	}
	return nil
}

// Covers reports whether the enrollment is active and in force on date. Both
// ends of the interval are inclusive.
func (e Enrollment) Covers(date Date) bool {
	if !e.IsActive() || e.EffectiveDate.After(date) {
		return false
	}
	return e.TerminationDate.IsZero() || !e.TerminationDate.Before(date)
}

// FormularyStatus is a drug's placement on a formulary.
type FormularyStatus string

const (
	FormularyPreferred    FormularyStatus = "PREFERRED"
	FormularyNonPreferred FormularyStatus = "NON_PREFERRED"
	FormularySpecialty    FormularyStatus = "SPECIALTY"
)

// MinTier and MaxTier bound formulary cost-sharing tiers.
const (
	MinTier = 1
	MaxTier = 5
)

// FormularyEntry is the coverage of one drug on one formulary.
type FormularyEntry struct {
	FormularyID         string          `json:"formulary_id" yaml:"formulary_id"`
	DrugCode            string          `json:"ndc" yaml:"ndc"`
	Tier                int             `json:"tier" yaml:"tier"`
	Status              FormularyStatus `json:"status" yaml:"status"`
	RequiresPriorAuth   bool            `json:"requires_prior_auth" yaml:"requires_prior_auth"`
	RequiresStepTherapy bool            `json:"requires_step_therapy" yaml:"requires_step_therapy"`
	QuantityLimit       *int            `json:"quantity_limit,omitempty" yaml:"quantity_limit"`
	DaysSupplyLimit     *int            `json:"days_supply_limit,omitempty" yaml:"days_supply_limit"`
}

// Validate checks the tier bounds and limits.
func (f FormularyEntry) Validate() error {
	if f.Tier < MinTier || f.Tier > MaxTier {
		return eris.Errorf("model: formulary %s drug %s has tier %d outside [%d,%d]", f.FormularyID, f.DrugCode, f.Tier, MinTier, MaxTier)
	}
	if f.QuantityLimit != nil && *f.QuantityLimit <= 0 {
		return eris.Errorf("model: formulary %s drug %s has non-positive quantity limit", f.FormularyID, f.DrugCode)
	}
	if f.DaysSupplyLimit != nil && *f.DaysSupplyLimit <= 0 {
		return eris.Errorf("model: formulary %s drug %s has non-positive days supply limit", f.FormularyID, f.DrugCode)
	}
	return nil
}

// PlanRule is a plan-specific rule as stored: criteria and action are raw
// JSON documents compiled once when reference data is loaded.
type PlanRule struct {
	ID       int64  `json:"rule_id" yaml:"rule_id"`
	PlanID   string `json:"plan_id" yaml:"plan_id"`
	Type     string `json:"rule_type" yaml:"rule_type"`
	Name     string `json:"rule_name" yaml:"rule_name"`
	Criteria string `json:"rule_criteria" yaml:"rule_criteria"`
	Action   string `json:"rule_action" yaml:"rule_action"`
	Priority int    `json:"priority" yaml:"priority"`
	Active   bool   `json:"active" yaml:"active"`
}

// PriorAuth is an approved prior authorization (or step therapy exception)
// on file for a member and drug.
type PriorAuth struct {
	MemberID      string `json:"member_id" yaml:"member_id"`
	DrugCode      string `json:"ndc" yaml:"ndc"`
	EffectiveDate Date   `json:"effective_date" yaml:"effective_date"`
	ExpiresDate   Date   `json:"expires_date,omitempty" yaml:"expires_date"`
	StepTherapy   bool   `json:"step_therapy" yaml:"step_therapy"`
}

// Covers reports whether the authorization is in force on date.
func (p PriorAuth) Covers(date Date) bool {
	if p.EffectiveDate.After(date) {
		return false
	}
	return p.ExpiresDate.IsZero() || !p.ExpiresDate.Before(date)
}
