// Package pricing computes bill line totals. Everything here is pure: the same
// descriptor always prices the same.
package pricing

import (
	"errors"
	"strings"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
)

type Descriptor struct {
	UnitCost domain.Money
	Quantity int
	PackSize int
	Mode     domain.UnitMode
	TaxClass string
}

// Calculator prices lines. Tax classes are HSN-style codes and match by
// prefix, so "3004" covers "30049099".
type Calculator struct {
	packPriced []string
}

func NewCalculator(packPricedClasses []string) *Calculator {
	classes := make([]string, 0, len(packPricedClasses))
	for _, class := range packPricedClasses {
		class = normalizeClass(class)
		if class != "" {
			classes = append(classes, class)
		}
	}
	return &Calculator{packPriced: classes}
}

func (c *Calculator) IsPackPriced(taxClass string) bool {
	if c == nil {
		return false
	}
	taxClass = normalizeClass(taxClass)
	if taxClass == "" {
		return false
	}
	for _, class := range c.packPriced {
		if strings.HasPrefix(taxClass, class) {
			return true
		}
	}
	return false
}

var ErrOverflow = errors.New("line total out of range")

// LineTotal never returns a negative amount; negative inputs count as zero.
// A total that would leave the Money range is reported as zero; use Total to
// tell that apart.
func (c *Calculator) LineTotal(d Descriptor) domain.Money {
	total, err := c.Total(d)
	if err != nil {
		return 0
	}
	return total
}

// Total is LineTotal with overflow reported as ErrOverflow.
func (c *Calculator) Total(d Descriptor) (domain.Money, error) {
	unitCost := d.UnitCost
	if unitCost < 0 {
		unitCost = 0
	}
	qty := int64(d.Quantity)
	if qty < 0 {
		qty = 0
	}

	if domain.NormalizeUnitMode(d.Mode) == domain.UnitModePack && c.IsPackPriced(d.TaxClass) {
		units, ok := domain.MulInt64(int64(EffectivePackSize(d.PackSize)), qty)
		if !ok {
			return 0, ErrOverflow
		}
		qty = units
	}
	total, ok := unitCost.Times(qty)
	if !ok {
		return 0, ErrOverflow
	}
	return total, nil
}

// EffectivePackSize treats anything below one as a single unit.
func EffectivePackSize(packSize int) int {
	if packSize < 1 {
		return 1
	}
	return packSize
}

func normalizeClass(class string) string {
	return strings.ToUpper(strings.TrimSpace(class))
}
