package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Product struct {
	ID        int64
	Name      string
	Price     int64
	Stock     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type StockLine struct {
	ProductID int64
	Quantity  int64
}

// MergeLines folds duplicate product ids together and sorts by product id,
// which is also the row-lock order.
func MergeLines(lines []StockLine) []StockLine {
	sum := make(map[int64]int64, len(lines))
	for _, l := range lines {
		sum[l.ProductID] += l.Quantity
	}
	out := make([]StockLine, 0, len(sum))
	for id, qty := range sum {
		out = append(out, StockLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func LineIDs(lines []StockLine) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	return ids
}

// MissingProducts returns the requested ids absent from products, sorted.
func MissingProducts(products map[int64]*Product, lines []StockLine) []int64 {
	var missing []int64
	for _, l := range MergeLines(lines) {
		if _, ok := products[l.ProductID]; !ok {
			missing = append(missing, l.ProductID)
		}
	}
	return missing
}

// DecreaseStock validates every line before touching any product, so a failure
// leaves all stock untouched.
func DecreaseStock(products map[int64]*Product, lines []StockLine, now time.Time) error {
	merged := MergeLines(lines)
	if missing := MissingProducts(products, merged); len(missing) > 0 {
		return ProductsNotFound(missing)
	}
	for _, l := range merged {
		if l.Quantity <= 0 {
			return NewError(CodeInvalidMessage, "상품 %d 수량이 올바르지 않습니다: %d", l.ProductID, l.Quantity)
		}
		p := products[l.ProductID]
		if p.Stock < l.Quantity {
			return NewError(CodeInsufficientStock, "재고 부족: 상품 %d (요청 %d, 재고 %d)", p.ID, l.Quantity, p.Stock)
		}
	}
	for _, l := range merged {
		p := products[l.ProductID]
		p.Stock -= l.Quantity
		p.UpdatedAt = now
	}
	return nil
}

func IncreaseStock(products map[int64]*Product, lines []StockLine, now time.Time) error {
	merged := MergeLines(lines)
	if missing := MissingProducts(products, merged); len(missing) > 0 {
		return ProductsNotFound(missing)
	}
	for _, l := range merged {
		if l.Quantity <= 0 {
			return NewError(CodeInvalidMessage, "상품 %d 수량이 올바르지 않습니다: %d", l.ProductID, l.Quantity)
		}
	}
	for _, l := range merged {
		p := products[l.ProductID]
		p.Stock += l.Quantity
		p.UpdatedAt = now
	}
	return nil
}

func ProductsNotFound(ids []int64) *Error {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprint(id))
	}
	return NewError(CodeProductNotFound, "존재하지 않는 상품: [%s]", strings.Join(parts, ", "))
}
