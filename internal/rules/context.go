package rules

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sells-group/rxclaims/internal/formulary"
	"github.com/sells-group/rxclaims/internal/model"
)

// Context is the read-only view of a claim that criteria are evaluated
// against. Member, Drug and Pharmacy may be nil when reference data has no
// record; fields drawn from them are then absent. Fills are the member's
// earlier fills whose supply is still on hand.
type Context struct {
	PlanID   string
	Claim    model.ClaimRequest
	Entry    *model.FormularyEntry
	Member   *model.Member
	Drug     *model.Drug
	Pharmacy *model.Pharmacy
	Fills    []model.Fill
}

type accessor func(c *Context) (Value, bool)

type field struct {
	kind Kind
	get  accessor
}

func claimNumber(f func(model.ClaimRequest) decimal.Decimal) accessor {
	return func(c *Context) (Value, bool) { return Number(f(c.Claim)), true }
}

// drugString reads an optional text attribute of the drug. Empty is absent.
func drugString(f func(*model.Drug) string) accessor {
	return func(c *Context) (Value, bool) {
		if c.Drug == nil {
			return Value{}, false
		}
		v := f(c.Drug)
		return String(v), v != ""
	}
}

var fields = map[string]field{
	"claim.quantity":         {KindNumber, claimNumber(func(r model.ClaimRequest) decimal.Decimal { return r.Quantity })},
	"claim.days_supply":      {KindNumber, func(c *Context) (Value, bool) { return Int(int64(c.Claim.DaysSupply)), true }},
	"claim.refill_number":    {KindNumber, func(c *Context) (Value, bool) { return Int(int64(c.Claim.RefillNumber)), true }},
	"claim.ingredient_cost":  {KindNumber, claimNumber(func(r model.ClaimRequest) decimal.Decimal { return r.IngredientCost })},
	"claim.dispensing_fee":   {KindNumber, claimNumber(func(r model.ClaimRequest) decimal.Decimal { return r.DispensingFee })},
	"claim.submitted_amount": {KindNumber, claimNumber(model.ClaimRequest.SubmittedAmount)},
	"claim.drug_code":        {KindString, func(c *Context) (Value, bool) { return String(formulary.NormalizeNDC(c.Claim.DrugCode)), true }},
	"claim.pharmacy_id":      {KindString, func(c *Context) (Value, bool) { return String(c.Claim.PharmacyID), true }},
	"claim.diagnosis_code": {KindString, func(c *Context) (Value, bool) {
		return String(c.Claim.DiagnosisCode), c.Claim.DiagnosisCode != ""
	}},
	"claim.acute_pain": {KindBool, func(c *Context) (Value, bool) {
		if c.Claim.AcutePain == nil {
			return Value{}, false
		}
		return Bool(*c.Claim.AcutePain), true
	}},

	"drug.class": {KindString, func(c *Context) (Value, bool) {
		if c.Drug == nil {
			return Value{}, false
		}
		return String(c.Drug.Class), c.Drug.Class != ""
	}},
	"drug.name": {KindString, func(c *Context) (Value, bool) {
		if c.Drug == nil {
			return Value{}, false
		}
		return String(c.Drug.Name), c.Drug.Name != ""
	}},
	"drug.type":               {KindString, drugString(func(d *model.Drug) string { return d.Type })},
	"drug.dea_schedule":       {KindString, drugString(func(d *model.Drug) string { return d.DEASchedule })},
	"drug.pregnancy_category": {KindString, drugString(func(d *model.Drug) string { return d.PregnancyCategory })},
	"drug.generic": {KindBool, func(c *Context) (Value, bool) {
		if c.Drug == nil {
			return Value{}, false
		}
		return Bool(c.Drug.Generic), true
	}},
	"drug.brand": {KindBool, func(c *Context) (Value, bool) {
		if c.Drug == nil {
			return Value{}, false
		}
		return Bool(c.Drug.Brand), true
	}},

	"formulary.tier": {KindNumber, func(c *Context) (Value, bool) {
		if c.Entry == nil {
			return Value{}, false
		}
		return Int(int64(c.Entry.Tier)), true
	}},
	"formulary.status": {KindString, func(c *Context) (Value, bool) {
		if c.Entry == nil {
			return Value{}, false
		}
		return String(string(c.Entry.Status)), c.Entry.Status != ""
	}},
	"formulary.requires_pa": {KindBool, func(c *Context) (Value, bool) {
		if c.Entry == nil {
			return Value{}, false
		}
		return Bool(c.Entry.RequiresPriorAuth), true
	}},
	"formulary.requires_step_therapy": {KindBool, func(c *Context) (Value, bool) {
		if c.Entry == nil {
			return Value{}, false
		}
		return Bool(c.Entry.RequiresStepTherapy), true
	}},

	"member.age": {KindNumber, func(c *Context) (Value, bool) {
		if c.Member == nil || c.Member.DateOfBirth.IsZero() {
			return Value{}, false
		}
		return Int(int64(model.YearsBetween(c.Member.DateOfBirth, c.Claim.DateOfService))), true
	}},
	"member.gender": {KindString, func(c *Context) (Value, bool) {
		if c.Member == nil || c.Member.Gender == "" {
			return Value{}, false
		}
		return String(string(c.Member.Gender)), true
	}},
	"member.state": {KindString, func(c *Context) (Value, bool) {
		if c.Member == nil || c.Member.State == "" {
			return Value{}, false
		}
		return String(c.Member.State), true
	}},

	"pharmacy.type": {KindString, func(c *Context) (Value, bool) {
		if c.Pharmacy == nil || c.Pharmacy.Type == "" {
			return Value{}, false
		}
		return String(string(c.Pharmacy.Type)), true
	}},

	"plan.id": {KindString, func(c *Context) (Value, bool) { return String(c.PlanID), c.PlanID != "" }},
}

// Fields lists the field names criteria may reference.
func Fields() []string {
	out := make([]string, 0, len(fields))
	for name := range fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the value of a named field.
func (c *Context) Lookup(name string) (Value, bool) {
	f, ok := fields[name]
	if !ok {
		return Value{}, false
	}
	return f.get(c)
}
