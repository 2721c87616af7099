package billing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
)

// PlanPrice is a tier's recurring price and contact allowance
type PlanPrice struct {
	Price decimal.Decimal `json:"price" yaml:"price"`
	Limit int64           `json:"limit" yaml:"limit"`
}

// ContactRange prices a band of active contacts. A band with a fixed
// amount charges it flat; otherwise every contact is charged the unit
// price. To == 0 leaves the band open-ended.
type ContactRange struct {
	From  int64
	To    int64
	Fixed decimal.Decimal
	Unit  decimal.Decimal
}

func (r ContactRange) contains(contacts int64) bool {
	return contacts >= r.From && (r.To == 0 || contacts <= r.To)
}

// Pricing is an immutable, versioned pricing table. A new table is built
// for every change; services read the current one through a PricingSource.
type Pricing struct {
	Version              int
	Currency             string
	Tiers                map[PlanTier]PlanPrice
	ContactRanges        []ContactRange
	FreeContactLimit     int64
	ExtraIntegrationCost decimal.Decimal
}

// DefaultPricing returns the built-in pricing table
func DefaultPricing() *Pricing {
	return &Pricing{
		Version:  1,
		Currency: "brl",
		Tiers: map[PlanTier]PlanPrice{
			PlanFree:       {Price: decimal.Zero, Limit: 200},
			PlanTrial:      {Price: decimal.Zero, Limit: 1000},
			PlanStart:      {Price: decimal.NewFromInt(390), Limit: 1000},
			PlanScale:      {Price: decimal.NewFromInt(1500), Limit: 10000},
			PlanAdvanced:   {Price: decimal.NewFromInt(4000), Limit: 50000},
			PlanEnterprise: {Price: decimal.NewFromInt(8000), Limit: 250000},
		},
		ContactRanges: []ContactRange{
			{From: 0, To: 1000, Fixed: decimal.NewFromInt(267)},
			{From: 1001, To: 5000, Unit: decimal.RequireFromString("0.178")},
			{From: 5001, To: 10000, Unit: decimal.RequireFromString("0.167")},
			{From: 10001, To: 30000, Unit: decimal.RequireFromString("0.1602")},
			{From: 30001, To: 50000, Unit: decimal.RequireFromString("0.1425")},
			{From: 50001, To: 100000, Unit: decimal.RequireFromString("0.0891")},
			{From: 100001, To: 250000, Unit: decimal.RequireFromString("0.0713")},
			{From: 250001, Unit: decimal.RequireFromString("0.0535")},
		},
		FreeContactLimit:     200,
		ExtraIntegrationCost: decimal.NewFromInt(100),
	}
}

// Validate checks that the table is usable: every paid tier is priced and
// the contact ranges cover every count from zero without gaps.
func (p *Pricing) Validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("pricing has no tiers")
	}
	for tier, price := range p.Tiers {
		if price.Price.IsNegative() {
			return fmt.Errorf("tier %s has a negative price", tier)
		}
	}
	if len(p.ContactRanges) == 0 {
		return fmt.Errorf("pricing has no contact ranges")
	}

	ranges := append([]ContactRange(nil), p.ContactRanges...)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].From < ranges[j].From })
	next := int64(0)
	for i, r := range ranges {
		if r.From != next {
			return fmt.Errorf("contact ranges leave a gap at %d", next)
		}
		if r.To == 0 {
			if i != len(ranges)-1 {
				return fmt.Errorf("open-ended contact range starting at %d is not the last one", r.From)
			}
			return nil
		}
		if r.To < r.From {
			return fmt.Errorf("contact range %d-%d is inverted", r.From, r.To)
		}
		next = r.To + 1
	}
	return fmt.Errorf("contact ranges must end with an open-ended range")
}

// PlanPrice looks a tier up. Unknown tiers are an InvalidArgument.
func (p *Pricing) PlanPrice(tier PlanTier) (PlanPrice, error) {
	price, ok := p.Tiers[tier]
	if !ok {
		return PlanPrice{}, apperrors.InvalidArgument("unknown plan tier %q", tier)
	}
	return price, nil
}

// Chargeable reports whether tier can be bought through ChangePlan
func (p *Pricing) Chargeable(tier PlanTier) bool {
	price, ok := p.Tiers[tier]
	return ok && price.Price.IsPositive()
}

// ActiveContactsAmount prices a number of active contacts. The result is
// not rounded.
func (p *Pricing) ActiveContactsAmount(contacts int64) decimal.Decimal {
	if contacts < 0 {
		contacts = 0
	}
	for _, r := range p.ContactRanges {
		if !r.contains(contacts) {
			continue
		}
		if !r.Fixed.IsZero() {
			return r.Fixed
		}
		return r.Unit.Mul(decimal.NewFromInt(contacts))
	}
	return decimal.Zero
}

// RoundMoney rounds half-up to cents
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

// TotalInvoiceAmount computes an invoice total from its line items: the
// contact price of all projects together, plus extra integrations, minus
// the discount percentage, rounded half-up to cents.
func TotalInvoiceAmount(inv *Invoice, pricing *Pricing) decimal.Decimal {
	var contacts int64
	for _, line := range inv.Projects {
		contacts += line.ContactCount
	}

	amount := pricing.ActiveContactsAmount(contacts)
	if inv.ExtraIntegration > 0 {
		amount = amount.Add(inv.CostPerIntegration.Mul(decimal.NewFromInt(int64(inv.ExtraIntegration))))
	}
	if inv.Discount.IsPositive() {
		hundred := decimal.NewFromInt(100)
		amount = amount.Mul(hundred.Sub(inv.Discount)).Div(hundred)
	}
	return RoundMoney(amount)
}
