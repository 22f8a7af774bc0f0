package adjudication

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/rxclaims/internal/model"
	"github.com/sells-group/rxclaims/internal/rules"
)

// --- Reference data fake ---

type fakeReference struct {
	enrollments []model.Enrollment
	terms       map[string]*model.BenefitTerms
	entries     map[string]*model.FormularyEntry
	rules       []*rules.Rule
	members     map[string]*model.Member
	drugs       map[string]*model.Drug
	pharmacies  map[string]*model.Pharmacy
	priorAuths  []model.PriorAuth
	interacts   []model.DrugInteraction
	lookupErr   error
}

func (f *fakeReference) FindEnrollments(_ context.Context, memberID string) ([]model.Enrollment, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	var out []model.Enrollment
	for _, e := range f.enrollments {
		if e.MemberID == memberID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeReference) FindEntry(_ context.Context, formularyID, drugCode string) (*model.FormularyEntry, error) {
	return f.entries[formularyID+"/"+drugCode], nil
}

func (f *fakeReference) FindActiveRules(_ context.Context, planID string) ([]*rules.Rule, error) {
	var out []*rules.Rule
	for _, r := range f.rules {
		if r.PlanID == planID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeReference) HasPriorAuth(_ context.Context, memberID, drugCode string, date model.Date) (bool, error) {
	for _, pa := range f.priorAuths {
		if pa.MemberID == memberID && pa.DrugCode == drugCode && !pa.StepTherapy && pa.Covers(date) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeReference) HasStepTherapyException(_ context.Context, memberID, drugCode string, date model.Date) (bool, error) {
	for _, pa := range f.priorAuths {
		if pa.MemberID == memberID && pa.DrugCode == drugCode && pa.StepTherapy && pa.Covers(date) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeReference) FindBenefitTerms(_ context.Context, planID string) (*model.BenefitTerms, error) {
	return f.terms[planID], nil
}

func (f *fakeReference) FindMember(_ context.Context, memberID string) (*model.Member, error) {
	return f.members[memberID], nil
}

func (f *fakeReference) FindDrug(_ context.Context, ndc string) (*model.Drug, error) {
	return f.drugs[ndc], nil
}

func (f *fakeReference) FindInteractions(_ context.Context, ndc string) ([]model.DrugInteraction, error) {
	var out []model.DrugInteraction
	for _, in := range f.interacts {
		if in.Other(ndc) != "" {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *fakeReference) FindPharmacy(_ context.Context, pharmacyID string) (*model.Pharmacy, error) {
	return f.pharmacies[pharmacyID], nil
}

// --- Sink mocks ---

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Persist(ctx context.Context, result *model.AdjudicationResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

type recordingSink struct {
	mu      sync.Mutex
	results []*model.AdjudicationResult
}

func (s *recordingSink) Persist(_ context.Context, result *model.AdjudicationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

// --- Fixtures ---

const (
	testNDC        = "00093715301"
	testSpecialty  = "00002751001"
	testNotListed  = "99999999999"
	testQtyLimited = "00378395305"
	testMacrolide  = "00074336860"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func intPtr(n int) *int { return &n }

func newFixture() *fakeReference {
	return &fakeReference{
		enrollments: []model.Enrollment{
			{MemberID: "M1", PlanID: "PLAN1", EffectiveDate: model.MustDate("2024-01-01")},
			{MemberID: "M2", PlanID: "PLAN1", EffectiveDate: model.MustDate("2024-01-01"), TerminationDate: model.MustDate("2024-03-31")},
		},
		terms: map[string]*model.BenefitTerms{
			"PLAN1": {
				PlanID:           "PLAN1",
				FormularyID:      "F1",
				NetworkIDs:       []string{"RETAIL"},
				AnnualDeductible: dec("100"),
				OutOfPocketMax:   dec("1000"),
				Tiers: map[int]model.TierTerms{
					1: {Copay: decPtr("10")},
					2: {Copay: decPtr("25")},
					3: {Copay: decPtr("50")},
					4: {Coinsurance: decPtr("0.25")},
					5: {Coinsurance: decPtr("0.33")},
				},
			},
		},
		entries: map[string]*model.FormularyEntry{
			"F1/" + testNDC:        {FormularyID: "F1", DrugCode: testNDC, Tier: 1, Status: model.FormularyPreferred},
			"F1/" + testSpecialty:  {FormularyID: "F1", DrugCode: testSpecialty, Tier: 5, Status: model.FormularySpecialty, RequiresPriorAuth: true},
			"F1/" + testQtyLimited: {FormularyID: "F1", DrugCode: testQtyLimited, Tier: 2, Status: model.FormularyPreferred, QuantityLimit: intPtr(30)},
			"F1/" + testMacrolide:  {FormularyID: "F1", DrugCode: testMacrolide, Tier: 2, Status: model.FormularyPreferred},
		},
		members: map[string]*model.Member{
			"M1": {ID: "M1", DateOfBirth: model.MustDate("1980-06-15"), Gender: model.GenderMale, State: "TX"},
		},
		drugs: map[string]*model.Drug{
			testNDC:       {NDC: testNDC, Name: "Atorvastatin", Class: "STATIN", Generic: true},
			testMacrolide: {NDC: testMacrolide, Name: "Clarithromycin", Class: "ANTIBIOTIC", Generic: true, Type: "ACUTE"},
		},
		pharmacies: map[string]*model.Pharmacy{
			"PH1": {ID: "PH1", Type: model.PharmacyRetail, Networks: []model.NetworkParticipation{
				{NetworkID: "RETAIL", Status: model.NetworkActive, EffectiveDate: model.MustDate("2020-01-01")},
			}},
			"PH2": {ID: "PH2", Type: model.PharmacyMailOrder},
		},
	}
}

func testClaim() model.ClaimRequest {
	return model.ClaimRequest{
		ClaimNumber:    "CLM000000000000001",
		MemberID:       "M1",
		PharmacyID:     "PH1",
		DrugCode:       testNDC,
		Quantity:       dec("30"),
		DaysSupply:     30,
		DateOfService:  model.MustDate("2024-05-01"),
		IngredientCost: dec("147.50"),
		DispensingFee:  dec("2.50"),
	}
}
