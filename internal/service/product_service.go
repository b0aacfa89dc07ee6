package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/spec-kit/product-service/internal/domain"
	"github.com/spec-kit/product-service/internal/events"
	"github.com/spec-kit/product-service/internal/repository"
	apperrors "github.com/spec-kit/product-service/pkg/util"
)

// ProductService implements owner-scoped product CRUD. Every id-addressed
// operation loads the record first and verifies the requester owns it; a
// mismatch is Forbidden, distinct from NotFound.
type ProductService struct {
	products   repository.ProductRepository
	dispatcher events.Dispatcher
}

// NewProductService builds the service.
func NewProductService(products repository.ProductRepository, dispatcher events.Dispatcher) *ProductService {
	return &ProductService{products: products, dispatcher: dispatcher}
}

// Create stores a new product owned by the requester.
func (s *ProductService) Create(ctx context.Context, owner primitive.ObjectID, name, description string, price *float64) (*domain.Product, error) {
	if name == "" || price == nil {
		return nil, apperrors.NewBadInput("Please provide a name and price.")
	}

	product := &domain.Product{
		Name:        name,
		Description: description,
		Price:       *price,
		Owner:       owner,
	}
	if err := s.products.Create(ctx, product); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventProductCreated, owner, events.ProductCreatedPayload{
		ProductID: product.ID.Hex(),
		Name:      product.Name,
		Price:     product.Price,
	})
	return product, nil
}

// List returns every product owned by the requester.
func (s *ProductService) List(ctx context.Context, owner primitive.ObjectID) ([]domain.Product, error) {
	return s.products.ListByOwner(ctx, owner)
}

// Get returns a single product after the owner check.
func (s *ProductService) Get(ctx context.Context, owner primitive.ObjectID, id string) (*domain.Product, error) {
	return s.loadOwned(ctx, owner, id, "access")
}

// Update applies the provided patch fields to an owned product.
func (s *ProductService) Update(ctx context.Context, owner primitive.ObjectID, id string, patch domain.ProductPatch) (*domain.Product, error) {
	product, err := s.loadOwned(ctx, owner, id, "update")
	if err != nil {
		return nil, err
	}

	updated, err := s.products.Update(ctx, product.ID, patch)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperrors.NewNotFound("Product not found.")
		}
		return nil, err
	}

	s.publish(ctx, events.EventProductUpdated, owner, events.ProductUpdatedPayload{
		ProductID: updated.ID.Hex(),
		Fields:    patchedFields(patch),
	})
	return updated, nil
}

// Delete removes an owned product.
func (s *ProductService) Delete(ctx context.Context, owner primitive.ObjectID, id string) error {
	product, err := s.loadOwned(ctx, owner, id, "delete")
	if err != nil {
		return err
	}

	if err := s.products.Delete(ctx, product.ID); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperrors.NewNotFound("Product not found.")
		}
		return err
	}

	s.publish(ctx, events.EventProductDeleted, owner, events.ProductDeletedPayload{
		ProductID: product.ID.Hex(),
	})
	return nil
}

func (s *ProductService) loadOwned(ctx context.Context, owner primitive.ObjectID, id, action string) (*domain.Product, error) {
	product, err := s.products.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperrors.NewNotFound("Product not found.")
		}
		return nil, err
	}
	if product.Owner != owner {
		return nil, apperrors.NewForbidden("Not authorized to " + action + " this product.")
	}
	return product, nil
}

func patchedFields(patch domain.ProductPatch) []string {
	fields := []string{}
	if patch.Name != nil {
		fields = append(fields, "name")
	}
	if patch.Description != nil {
		fields = append(fields, "description")
	}
	if patch.Price != nil {
		fields = append(fields, "price")
	}
	return fields
}

func (s *ProductService) publish(ctx context.Context, eventType events.EventType, actor primitive.ObjectID, payload interface{}) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ActorID:   actor.Hex(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
