package dto

import (
	"github.com/spec-kit/product-service/internal/domain"
)

// CreateProductRequest payload for new products. Price is a pointer so an
// absent price and an explicit zero price are distinguishable.
type CreateProductRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       *float64 `json:"price"`
}

// UpdateProductRequest carries a partial update; nil fields are left alone.
type UpdateProductRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price"`
}

// ToPatch converts the request into the domain patch type.
func (r UpdateProductRequest) ToPatch() domain.ProductPatch {
	return domain.ProductPatch{
		Name:        r.Name,
		Description: r.Description,
		Price:       r.Price,
	}
}
