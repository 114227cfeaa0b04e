package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"

	"saga-checkout/internal/domain"
)

// New returns a validator with the order rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// each product appears once per order
	v.RegisterStructValidation(placeOrderStructValidation, PlaceOrderRequest{})
	_ = v.RegisterValidation("order_status", func(fl validatorv10.FieldLevel) bool {
		return domain.OrderStatus(fl.Field().String()).IsValid()
	})
	return v
}

func placeOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(PlaceOrderRequest)

	seen := make(map[int64]bool, len(req.Items))
	for i, it := range req.Items {
		if seen[it.ProductID] {
			sl.ReportError(req.Items[i].ProductID, fmt.Sprintf("items[%d].productId", i), "ProductID", "unique_product", "")
		}
		seen[it.ProductID] = true
	}
}
