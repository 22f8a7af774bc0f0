// Package refdata holds the read-only reference catalog used during
// adjudication: members, drugs, pharmacies, plans, enrollments, formularies,
// plan rules, prior authorizations and drug interactions. A catalog is loaded
// once from a YAML snapshot and is immutable afterwards, so lookups take no
// locks.
package refdata

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/rxclaims/internal/formulary"
	"github.com/sells-group/rxclaims/internal/model"
	"github.com/sells-group/rxclaims/internal/rules"
)

// Snapshot is the on-disk layout of reference data.
type Snapshot struct {
	Members     []model.Member         `yaml:"members"`
	Drugs       []model.Drug           `yaml:"drugs"`
	Pharmacies  []model.Pharmacy       `yaml:"pharmacies"`
	Plans       []model.BenefitTerms   `yaml:"plans"`
	Enrollments []model.Enrollment     `yaml:"enrollments"`
	Formulary   []model.FormularyEntry `yaml:"formulary"`
	Rules       []model.PlanRule       `yaml:"rules"`
	PriorAuths   []model.PriorAuth       `yaml:"prior_auths"`
	Interactions []model.DrugInteraction `yaml:"interactions"`
}

// Stats counts what a catalog holds.
type Stats struct {
	Members      int `json:"members"`
	Drugs        int `json:"drugs"`
	Pharmacies   int `json:"pharmacies"`
	Plans        int `json:"plans"`
	Enrollments  int `json:"enrollments"`
	Formulary    int `json:"formulary_entries"`
	Rules        int `json:"rules"`
	SkippedRules int `json:"skipped_rules"`
	PriorAuths   int `json:"prior_auths"`
	Interactions int `json:"interactions"`
}

type entryKey struct {
	formularyID string
	ndc         string
}

type authKey struct {
	memberID string
	ndc      string
}

// Catalog is an in-memory, immutable reference data set.
type Catalog struct {
	members     map[string]*model.Member
	drugs       map[string]*model.Drug
	pharmacies  map[string]*model.Pharmacy
	plans       map[string]*model.BenefitTerms
	enrollments map[string][]model.Enrollment
	entries     map[entryKey]*model.FormularyEntry
	rules       map[string][]*rules.Rule
	auths       map[authKey][]model.PriorAuth
	interacts   map[string][]model.DrugInteraction
	stats       Stats
}

// LoadFile reads a YAML snapshot from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "refdata: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	c, err := Decode(f)
	if err != nil {
		return nil, eris.Wrapf(err, "refdata: load %s", path)
	}
	return c, nil
}

// Decode parses a YAML snapshot and builds a catalog from it.
func Decode(r io.Reader) (*Catalog, error) {
	var snap Snapshot
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&snap); err != nil && !errors.Is(err, io.EOF) {
		return nil, eris.Wrap(err, "refdata: decode snapshot")
	}
	return New(snap)
}

// New validates a snapshot and indexes it. Rules that use unsupported
// criteria or actions are skipped with a warning; any other invalid record
// fails the load.
func New(snap Snapshot) (*Catalog, error) {
	c := &Catalog{
		members:     make(map[string]*model.Member, len(snap.Members)),
		drugs:       make(map[string]*model.Drug, len(snap.Drugs)),
		pharmacies:  make(map[string]*model.Pharmacy, len(snap.Pharmacies)),
		plans:       make(map[string]*model.BenefitTerms, len(snap.Plans)),
		enrollments: make(map[string][]model.Enrollment),
		entries:     make(map[entryKey]*model.FormularyEntry, len(snap.Formulary)),
		rules:       make(map[string][]*rules.Rule),
		auths:       make(map[authKey][]model.PriorAuth),
		interacts:   make(map[string][]model.DrugInteraction),
	}

	for i := range snap.Members {
		m := snap.Members[i]
		if m.ID == "" {
			return nil, eris.Errorf("refdata: member %d has no id", i)
		}
		if _, dup := c.members[m.ID]; dup {
			return nil, eris.Errorf("refdata: duplicate member %s", m.ID)
		}
		c.members[m.ID] = &m
	}

	for i := range snap.Drugs {
		d := snap.Drugs[i]
		d.NDC = formulary.NormalizeNDC(d.NDC)
		if d.NDC == "" {
			return nil, eris.Errorf("refdata: drug %d has no ndc", i)
		}
		if _, dup := c.drugs[d.NDC]; dup {
			return nil, eris.Errorf("refdata: duplicate drug %s", d.NDC)
		}
		c.drugs[d.NDC] = &d
	}

	for i := range snap.Pharmacies {
		p := snap.Pharmacies[i]
		if p.ID == "" {
			return nil, eris.Errorf("refdata: pharmacy %d has no id", i)
		}
		if _, dup := c.pharmacies[p.ID]; dup {
			return nil, eris.Errorf("refdata: duplicate pharmacy %s", p.ID)
		}
		for _, n := range p.Networks {
			if !n.TerminationDate.IsZero() && n.TerminationDate.Before(n.EffectiveDate) {
				return nil, eris.Errorf("refdata: pharmacy %s network %s terminates before it takes effect", p.ID, n.NetworkID)
			}
		}
		c.pharmacies[p.ID] = &p
	}

	for i := range snap.Plans {
		b := snap.Plans[i]
		if err := b.Validate(); err != nil {
			return nil, eris.Wrap(err, "refdata: plan")
		}
		if _, dup := c.plans[b.PlanID]; dup {
			return nil, eris.Errorf("refdata: duplicate plan %s", b.PlanID)
		}
		c.plans[b.PlanID] = &b
	}

	for _, e := range snap.Enrollments {
		if err := e.Validate(); err != nil {
			return nil, eris.Wrap(err, "refdata: enrollment")
		}
		c.enrollments[e.MemberID] = append(c.enrollments[e.MemberID], e)
	}

	for i := range snap.Formulary {
		f := snap.Formulary[i]
		f.DrugCode = formulary.NormalizeNDC(f.DrugCode)
		if err := f.Validate(); err != nil {
			return nil, eris.Wrap(err, "refdata: formulary entry")
		}
		key := entryKey{formularyID: f.FormularyID, ndc: f.DrugCode}
		if _, dup := c.entries[key]; dup {
			return nil, eris.Errorf("refdata: duplicate formulary entry %s/%s", f.FormularyID, f.DrugCode)
		}
		c.entries[key] = &f
	}

	log := zap.L().With(zap.String("component", "refdata"))
	for _, pr := range snap.Rules {
		compiled, err := rules.Compile(pr)
		if errors.Is(err, rules.ErrUnsupported) {
			log.Warn("refdata: skipping unsupported rule",
				zap.Int64("rule_id", pr.ID),
				zap.String("plan", pr.PlanID),
				zap.Error(err),
			)
			c.stats.SkippedRules++
			continue
		}
		if err != nil {
			return nil, eris.Wrap(err, "refdata: rule")
		}
		if !compiled.Active {
			continue
		}
		c.rules[pr.PlanID] = append(c.rules[pr.PlanID], compiled)
		c.stats.Rules++
	}
	for plan, rs := range c.rules {
		c.rules[plan] = rules.Sorted(rs)
	}

	for _, pa := range snap.PriorAuths {
		pa.DrugCode = formulary.NormalizeNDC(pa.DrugCode)
		key := authKey{memberID: pa.MemberID, ndc: pa.DrugCode}
		c.auths[key] = append(c.auths[key], pa)
	}

	for _, in := range snap.Interactions {
		in.DrugA = formulary.NormalizeNDC(in.DrugA)
		in.DrugB = formulary.NormalizeNDC(in.DrugB)
		in.Severity = model.InteractionSeverity(strings.ToUpper(string(in.Severity)))
		if in.DrugA == "" || in.DrugB == "" || in.DrugA == in.DrugB {
			return nil, eris.Errorf("refdata: interaction %s needs two distinct products", in.Code)
		}
		switch in.Severity {
		case model.SeverityContraindicated, model.SeverityMajor, model.SeverityModerate, model.SeverityMinor:
		default:
			return nil, eris.Errorf("refdata: interaction %s has unknown severity %q", in.Code, in.Severity)
		}
		c.interacts[in.DrugA] = append(c.interacts[in.DrugA], in)
		c.interacts[in.DrugB] = append(c.interacts[in.DrugB], in)
		c.stats.Interactions++
	}

	c.stats.Members = len(c.members)
	c.stats.Drugs = len(c.drugs)
	c.stats.Pharmacies = len(c.pharmacies)
	c.stats.Plans = len(c.plans)
	c.stats.Enrollments = len(snap.Enrollments)
	c.stats.Formulary = len(c.entries)
	c.stats.PriorAuths = len(snap.PriorAuths)

	log.Info("refdata: catalog loaded",
		zap.Int("members", c.stats.Members),
		zap.Int("plans", c.stats.Plans),
		zap.Int("formulary_entries", c.stats.Formulary),
		zap.Int("rules", c.stats.Rules),
		zap.Int("skipped_rules", c.stats.SkippedRules),
		zap.Int("interactions", c.stats.Interactions),
	)
	return c, nil
}

// Stats reports what the catalog holds.
func (c *Catalog) Stats() Stats { return c.stats }

// FindEnrollments returns every enrollment on file for a member, most
// recent effective date first.
func (c *Catalog) FindEnrollments(_ context.Context, memberID string) ([]model.Enrollment, error) {
	src := c.enrollments[memberID]
	out := make([]model.Enrollment, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		return out[j].EffectiveDate.Before(out[i].EffectiveDate)
	})
	return out, nil
}

// FindEntry returns a drug's entry on a formulary, or nil if it is not listed.
func (c *Catalog) FindEntry(_ context.Context, formularyID, drugCode string) (*model.FormularyEntry, error) {
	return c.entries[entryKey{formularyID: formularyID, ndc: formulary.NormalizeNDC(drugCode)}], nil
}

// FindActiveRules returns a plan's active rules in evaluation order.
func (c *Catalog) FindActiveRules(_ context.Context, planID string) ([]*rules.Rule, error) {
	return c.rules[planID], nil
}

// FindBenefitTerms returns a plan's cost-sharing terms, or nil for an unknown plan.
func (c *Catalog) FindBenefitTerms(_ context.Context, planID string) (*model.BenefitTerms, error) {
	return c.plans[planID], nil
}

// FindMember returns a member's demographics, or nil.
func (c *Catalog) FindMember(_ context.Context, memberID string) (*model.Member, error) {
	return c.members[memberID], nil
}

// FindDrug returns the product with the given NDC in any hyphenation, or nil.
func (c *Catalog) FindDrug(_ context.Context, ndc string) (*model.Drug, error) {
	return c.drugs[formulary.NormalizeNDC(ndc)], nil
}

// FindPharmacy returns a pharmacy and its network contracts, or nil.
func (c *Catalog) FindPharmacy(_ context.Context, pharmacyID string) (*model.Pharmacy, error) {
	return c.pharmacies[pharmacyID], nil
}

// HasPriorAuth reports whether a prior authorization covers the fill.
func (c *Catalog) HasPriorAuth(_ context.Context, memberID, drugCode string, date model.Date) (bool, error) {
	return c.hasAuth(memberID, drugCode, date, false), nil
}

// HasStepTherapyException reports whether a step therapy exception covers the fill.
func (c *Catalog) HasStepTherapyException(_ context.Context, memberID, drugCode string, date model.Date) (bool, error) {
	return c.hasAuth(memberID, drugCode, date, true), nil
}

// FindInteractions returns the interactions that involve a product.
func (c *Catalog) FindInteractions(_ context.Context, ndc string) ([]model.DrugInteraction, error) {
	return c.interacts[formulary.NormalizeNDC(ndc)], nil
}

func (c *Catalog) hasAuth(memberID, drugCode string, date model.Date, stepTherapy bool) bool {
	for _, pa := range c.auths[authKey{memberID: memberID, ndc: formulary.NormalizeNDC(drugCode)}] {
		if pa.StepTherapy == stepTherapy && pa.Covers(date) {
			return true
		}
	}
	return false
}
