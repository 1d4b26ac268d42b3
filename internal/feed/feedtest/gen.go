package feedtest

import (
	"fmt"
	"time"
)

// Gen builds n stones with prices from priceFn. IDs are sequential, created
// at one-second intervals so pagination order equals generation order.
func Gen(n int, priceFn func(i int) float64) []Stone {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	stones := make([]Stone, 0, n)
	for i := 0; i < n; i++ {
		created := base.Add(time.Duration(i) * time.Second)
		stones = append(stones, Stone{
			ID:        fmt.Sprintf("stone-%06d", i),
			OfferID:   fmt.Sprintf("offer-%06d", i),
			Price:     priceFn(i),
			Status:    "available",
			Shape:     "round",
			Carats:    1.0,
			CreatedAt: created,
			UpdatedAt: created,
		})
	}
	return stones
}
