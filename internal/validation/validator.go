package validation

import (
	"fmt"
	"math"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// register struct-level validation for OrderRequest to ensure the
	// provided Total matches the sum of (price * qty) of items.
	v.RegisterStructValidation(orderStructValidation, OrderRequest{})

	return v
}

// orderStructValidation verifies the aggregated total of items equals Total (within cents)
func orderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(OrderRequest)

	var sum float64
	for _, it := range req.Items {
		sum += float64(it.Qty) * it.Price
	}

	sumCents := int(math.Round(sum * 100))
	totalCents := int(math.Round(req.Total * 100))
	if sumCents != totalCents {
		sl.ReportError(req.Total, "total", "Total", "total_match_items", fmt.Sprintf("items sum %.2f != total %.2f", sum, req.Total))
	}
}
