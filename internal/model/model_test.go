package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func validTerms() BenefitTerms {
	return BenefitTerms{
		PlanID:           "PLAN1",
		FormularyID:      "F1",
		AnnualDeductible: decimal.NewFromInt(100),
		OutOfPocketMax:   decimal.NewFromInt(1000),
		Tiers: map[int]TierTerms{
			1: {Copay: ptr(decimal.NewFromInt(10))},
			2: {Copay: ptr(decimal.NewFromInt(25))},
			3: {Copay: ptr(decimal.NewFromInt(50))},
			4: {Coinsurance: ptr(decimal.RequireFromString("0.25"))},
			5: {Coinsurance: ptr(decimal.RequireFromString("0.33"))},
		},
	}
}

func TestDate_TextRoundTrip(t *testing.T) {
	t.Parallel()

	var d Date
	require.NoError(t, json.Unmarshal([]byte(`"2024-02-29"`), &d))
	assert.Equal(t, 2024, d.Year())
	assert.Equal(t, "2024-02-29", d.String())

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2024-02-29"`, string(out))

	var fromYAML struct {
		D Date `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 2023-07-04\n"), &fromYAML))
	assert.True(t, fromYAML.D.Equal(NewDate(2023, 7, 4)))
}

func TestDate_InvalidText(t *testing.T) {
	t.Parallel()

	var d Date
	err := d.UnmarshalText([]byte("07/04/2023"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse date")
}

func TestYearsBetween(t *testing.T) {
	t.Parallel()

	dob := MustDate("1980-06-15")
	assert.Equal(t, 43, YearsBetween(dob, MustDate("2024-06-14")))
	assert.Equal(t, 44, YearsBetween(dob, MustDate("2024-06-15")))
	assert.Equal(t, 0, YearsBetween(Date{}, MustDate("2024-06-15")))
}

func TestEnrollment_Covers(t *testing.T) {
	t.Parallel()

	e := Enrollment{
		MemberID:        "M1",
		PlanID:          "P1",
		EffectiveDate:   MustDate("2024-01-01"),
		TerminationDate: MustDate("2024-06-30"),
	}

	tests := []struct {
		date string
		want bool
	}{
		{"2023-12-31", false},
		{"2024-01-01", true},
		{"2024-03-15", true},
		{"2024-06-30", true},
		{"2024-07-01", false},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, e.Covers(MustDate(tt.date)))
		})
	}

	open := Enrollment{MemberID: "M1", PlanID: "P1", EffectiveDate: MustDate("2024-01-01")}
	assert.True(t, open.Covers(MustDate("2030-01-01")))
}

func TestEnrollment_Validate(t *testing.T) {
	t.Parallel()

	bad := Enrollment{
		MemberID:        "M1",
		PlanID:          "P1",
		EffectiveDate:   MustDate("2024-06-01"),
		TerminationDate: MustDate("2024-05-31"),
	}
	require.Error(t, bad.Validate())

	sameDay := bad
	sameDay.TerminationDate = MustDate("2024-06-01")
	require.NoError(t, sameDay.Validate())
}

func TestFormularyEntry_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FormularyEntry{FormularyID: "F1", DrugCode: "x", Tier: 1}.Validate())
	assert.NoError(t, FormularyEntry{FormularyID: "F1", DrugCode: "x", Tier: 5}.Validate())
	assert.Error(t, FormularyEntry{FormularyID: "F1", DrugCode: "x", Tier: 0}.Validate())
	assert.Error(t, FormularyEntry{FormularyID: "F1", DrugCode: "x", Tier: 6}.Validate())

	zero := 0
	assert.Error(t, FormularyEntry{FormularyID: "F1", DrugCode: "x", Tier: 2, QuantityLimit: &zero}.Validate())
}

func TestBenefitTerms_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validTerms().Validate())

	both := validTerms()
	both.Tiers[2] = TierTerms{Copay: ptr(decimal.NewFromInt(5)), Coinsurance: ptr(decimal.RequireFromString("0.1"))}
	assert.ErrorContains(t, both.Validate(), "both copay and coinsurance")

	missing := validTerms()
	delete(missing.Tiers, 5)
	assert.ErrorContains(t, missing.Validate(), "missing tier 5")

	overRate := validTerms()
	overRate.Tiers[4] = TierTerms{Coinsurance: ptr(decimal.RequireFromString("1.5"))}
	assert.ErrorContains(t, overRate.Validate(), "coinsurance outside")
}

func TestBenefitTerms_PlanYear(t *testing.T) {
	t.Parallel()

	calendar := validTerms()
	assert.Equal(t, 2024, calendar.PlanYear(MustDate("2024-01-01")))
	assert.Equal(t, 2024, calendar.PlanYear(MustDate("2024-12-31")))

	july := validTerms()
	july.PlanYearStartMonth = 7
	assert.Equal(t, 2023, july.PlanYear(MustDate("2024-06-30")))
	assert.Equal(t, 2024, july.PlanYear(MustDate("2024-07-01")))
}

func TestNetworkParticipation_Covers(t *testing.T) {
	t.Parallel()

	n := NetworkParticipation{NetworkID: "N1", Status: NetworkActive, EffectiveDate: MustDate("2024-01-01")}
	assert.True(t, n.Covers(MustDate("2024-05-01")))
	assert.False(t, n.Covers(MustDate("2023-05-01")))

	n.Status = NetworkSuspended
	assert.False(t, n.Covers(MustDate("2024-05-01")))
}

func TestCents(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(11000), Cents(decimal.RequireFromString("110.00")))
	assert.Equal(t, int64(1235), Cents(decimal.RequireFromString("12.345")))
	assert.True(t, FromCents(4000).Equal(decimal.NewFromInt(40)))
}

func TestAdjudicationResult_AddReason(t *testing.T) {
	t.Parallel()

	r := &AdjudicationResult{}
	r.AddReason(ReasonQuantityCapped)
	r.AddReason(ReasonQuantityCapped)
	r.AddReason(ReasonOOPMaxReached)
	assert.Equal(t, []ReasonCode{ReasonQuantityCapped, ReasonOOPMaxReached}, r.Reasons)
	assert.True(t, r.HasReason(ReasonOOPMaxReached))
}

func TestEnrollment_Inactive(t *testing.T) {
	t.Parallel()

	yes, no := true, false
	tests := []struct {
		name   string
		active *bool
		want   bool
	}{
		{name: "unset", active: nil, want: true},
		{name: "active", active: &yes, want: true},
		{name: "inactive", active: &no, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := Enrollment{MemberID: "M1", PlanID: "P1", EffectiveDate: MustDate("2024-01-01"), Active: tt.active}
			assert.Equal(t, tt.want, e.IsActive())
			assert.Equal(t, tt.want, e.Covers(MustDate("2024-03-01")))
		})
	}
}

func TestDaysBetween(t *testing.T) {
	t.Parallel()

	d := MustDate("2024-02-27")
	assert.Equal(t, 3, DaysBetween(d, MustDate("2024-03-01")))
	assert.Equal(t, -3, DaysBetween(MustDate("2024-03-01"), d))
	assert.Equal(t, "2024-03-01", d.AddDays(3).String())
	assert.Equal(t, "2024-02-27", d.AddDays(0).String())
}

func TestFill_Covers(t *testing.T) {
	t.Parallel()

	f := Fill{ClaimNumber: "C1", DrugCode: "00093715301", DateOfService: MustDate("2024-05-01"), DaysSupply: 30}
	tests := []struct {
		date string
		want bool
	}{
		{"2024-04-30", false},
		{"2024-05-01", true},
		{"2024-05-30", true},
		{"2024-05-31", false},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, f.Covers(MustDate(tt.date)))
		})
	}

	sameDay := Fill{DateOfService: MustDate("2024-05-01")}
	assert.True(t, sameDay.Covers(MustDate("2024-05-01")))
	assert.False(t, sameDay.Covers(MustDate("2024-05-02")))
}

func TestBenefitTerms_DaysSupplyLimit(t *testing.T) {
	t.Parallel()

	terms := validTerms()
	assert.Equal(t, DefaultMaxDaysSupply, terms.DaysSupplyLimit())

	terms.MaxDaysSupply = 34
	assert.Equal(t, 34, terms.DaysSupplyLimit())

	terms.MaxDaysSupply = -1
	assert.ErrorContains(t, terms.Validate(), "max days supply")
}

func TestDrugInteraction(t *testing.T) {
	t.Parallel()

	in := DrugInteraction{Code: "DDI-1", DrugA: "A", DrugB: "B", Severity: SeverityMajor}
	assert.Equal(t, "B", in.Other("A"))
	assert.Equal(t, "A", in.Other("B"))
	assert.Empty(t, in.Other("C"))

	assert.True(t, SeverityContraindicated.Rejects())
	assert.True(t, SeverityMajor.Rejects())
	assert.False(t, SeverityModerate.Rejects())
	assert.False(t, SeverityMinor.Rejects())
}
