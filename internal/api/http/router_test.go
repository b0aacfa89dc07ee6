package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	httptransport "github.com/spec-kit/product-service/internal/api/http"
	"github.com/spec-kit/product-service/internal/api/http/handlers"
	"github.com/spec-kit/product-service/internal/auth"
	"github.com/spec-kit/product-service/internal/config"
	"github.com/spec-kit/product-service/internal/domain"
	"github.com/spec-kit/product-service/internal/events"
	"github.com/spec-kit/product-service/internal/observability"
	"github.com/spec-kit/product-service/internal/service"
	apperrors "github.com/spec-kit/product-service/pkg/util"
)

// memUserRepo is an in-memory repository.UserRepository with the same error
// contract as the Mongo implementation, including the duplicate-key error the
// unique email index would raise.
type memUserRepo struct {
	mu    sync.Mutex
	users map[primitive.ObjectID]domain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[primitive.ObjectID]domain.User)}
}

func (r *memUserRepo) Create(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == user.Email {
			return mongo.WriteException{WriteErrors: []mongo.WriteError{{
				Code:    11000,
				Message: "E11000 duplicate key error index: email_1 dup key",
			}}}
		}
	}
	user.ID = primitive.NewObjectID()
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.users[user.ID] = *user
	return nil
}

func (r *memUserRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, &apperrors.InvalidIDError{Value: id}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.users[oid]; ok {
		return &user, nil
	}
	return nil, mongo.ErrNoDocuments
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Email == email {
			u := user
			return &u, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

// memProductRepo is an in-memory repository.ProductRepository.
type memProductRepo struct {
	mu       sync.Mutex
	products map[primitive.ObjectID]domain.Product
}

func newMemProductRepo() *memProductRepo {
	return &memProductRepo{products: make(map[primitive.ObjectID]domain.Product)}
}

func (r *memProductRepo) Create(_ context.Context, product *domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	product.ID = primitive.NewObjectID()
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	r.products[product.ID] = *product
	return nil
}

func (r *memProductRepo) ListByOwner(_ context.Context, owner primitive.ObjectID) ([]domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := []domain.Product{}
	for _, product := range r.products {
		if product.Owner == owner {
			owned = append(owned, product)
		}
	}
	return owned, nil
}

func (r *memProductRepo) GetByID(_ context.Context, id string) (*domain.Product, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, &apperrors.InvalidIDError{Value: id}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if product, ok := r.products[oid]; ok {
		return &product, nil
	}
	return nil, mongo.ErrNoDocuments
}

func (r *memProductRepo) Update(_ context.Context, id primitive.ObjectID, patch domain.ProductPatch) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	product, ok := r.products[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	if patch.Name != nil {
		product.Name = *patch.Name
	}
	if patch.Description != nil {
		product.Description = *patch.Description
	}
	if patch.Price != nil {
		product.Price = *patch.Price
	}
	product.UpdatedAt = time.Now().UTC()
	r.products[id] = product
	return &product, nil
}

func (r *memProductRepo) Delete(_ context.Context, id primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[id]; !ok {
		return mongo.ErrNoDocuments
	}
	delete(r.products, id)
	return nil
}

const testSecret = "test-secret"

func setupApp() *fiber.App {
	return setupObservedApp(zap.NewNop(), observability.NewMetrics())
}

func setupObservedApp(logger *zap.Logger, metrics *observability.Metrics) *fiber.App {
	userRepo := newMemUserRepo()
	productRepo := newMemProductRepo()

	dispatcher := events.NewInMemoryDispatcher()
	authService := service.NewAuthService(config.AuthConfig{
		JWTSecret:       testSecret,
		TokenTTLMinutes: 60,
		BcryptCost:      bcrypt.MinCost,
	}, userRepo, dispatcher)
	productService := service.NewProductService(productRepo, dispatcher)
	authMiddleware := auth.NewMiddleware(authService.TokenManager(), userRepo)

	app := fiber.New()
	httptransport.RegisterMiddlewares(app, logger, metrics, "http://localhost:3000", false)
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(nil, nil, metrics),
		Auth:           handlers.NewAuthHandler(authService),
		Products:       handlers.NewProductsHandler(productService),
		AuthMiddleware: authMiddleware,
		RateLimiter:    httptransport.RateLimiter(nil, config.RateLimitConfig{}),
	})
	return app
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func doRequest(t *testing.T, app *fiber.App, method, path, token string, body any) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return resp.StatusCode, env
}

type authData struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Token string `json:"token"`
}

func registerUser(t *testing.T, app *fiber.App, name, email, password string) authData {
	t.Helper()
	status, env := doRequest(t, app, http.MethodPost, "/api/auth/register", "", fiber.Map{
		"name": name, "email": email, "password": password,
	})
	require.Equal(t, http.StatusCreated, status)
	require.True(t, env.Success)

	var data authData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.Token)
	return data
}

type productData struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Owner       string  `json:"owner"`
}

func TestLiveness(t *testing.T) {
	app := setupApp()

	status, env := doRequest(t, app, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
	assert.Equal(t, "API is running", env.Message)
}

func TestRegisterAndLogin(t *testing.T) {
	app := setupApp()

	user := registerUser(t, app, "A", "a@x.com", "secret")
	assert.Equal(t, "A", user.Name)
	assert.Equal(t, "a@x.com", user.Email)

	// registering the same email again conflicts regardless of other fields
	status, env := doRequest(t, app, http.MethodPost, "/api/auth/register", "", fiber.Map{
		"name": "B", "email": "a@x.com", "password": "different",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, env.Success)
	assert.Equal(t, "Email already registered.", env.Message)

	status, env = doRequest(t, app, http.MethodPost, "/api/auth/login", "", fiber.Map{
		"email": "a@x.com", "password": "secret",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	// the response payload never contains a password in any form
	assert.NotContains(t, string(env.Data), "password")
}

func TestRegisterValidation(t *testing.T) {
	app := setupApp()

	status, env := doRequest(t, app, http.MethodPost, "/api/auth/register", "", fiber.Map{
		"name": "A", "email": "a@x.com",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Please provide name, email, and password.", env.Message)

	status, env = doRequest(t, app, http.MethodPost, "/api/auth/register", "", fiber.Map{
		"name": "A", "email": "not-an-email", "password": "secret",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, env.Message, "valid email")

	status, env = doRequest(t, app, http.MethodPost, "/api/auth/register", "", fiber.Map{
		"name": "A", "email": "a@x.com", "password": "abc",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, env.Message, "at least 6 characters")
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	app := setupApp()
	registerUser(t, app, "A", "a@x.com", "secret")

	wrongStatus, wrongEnv := doRequest(t, app, http.MethodPost, "/api/auth/login", "", fiber.Map{
		"email": "a@x.com", "password": "wrong",
	})
	unknownStatus, unknownEnv := doRequest(t, app, http.MethodPost, "/api/auth/login", "", fiber.Map{
		"email": "nobody@x.com", "password": "secret",
	})

	assert.Equal(t, http.StatusUnauthorized, wrongStatus)
	assert.Equal(t, http.StatusUnauthorized, unknownStatus)
	assert.Equal(t, wrongEnv.Message, unknownEnv.Message)
}

func TestAuthGate(t *testing.T) {
	app := setupApp()

	status, env := doRequest(t, app, http.MethodGet, "/api/products", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Not authorized. No token provided.", env.Message)

	status, env = doRequest(t, app, http.MethodGet, "/api/products", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Not authorized. Invalid or expired token.", env.Message)

	// a valid token whose subject no longer exists
	stale, _, err := auth.NewTokenManager(testSecret, 60).GenerateToken(primitive.NewObjectID().Hex())
	require.NoError(t, err)
	status, env = doRequest(t, app, http.MethodGet, "/api/products", stale, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "User belonging to this token no longer exists.", env.Message)
}

func TestOwnershipIsolation(t *testing.T) {
	app := setupApp()

	userA := registerUser(t, app, "A", "a@x.com", "secret")
	userB := registerUser(t, app, "B", "b@x.com", "secret")

	// A starts with an empty list
	status, env := doRequest(t, app, http.MethodGet, "/api/products", userA.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "[]", string(env.Data))

	status, env = doRequest(t, app, http.MethodPost, "/api/products", userA.Token, fiber.Map{
		"name": "Widget", "price": 5,
	})
	require.Equal(t, http.StatusCreated, status)

	var created productData
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, userA.ID, created.Owner)

	// B never sees A's product in a list
	status, env = doRequest(t, app, http.MethodGet, "/api/products", userB.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "[]", string(env.Data))

	// B probing A's product id is Forbidden, never NotFound
	status, env = doRequest(t, app, http.MethodGet, "/api/products/"+created.ID, userB.Token, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Not authorized to access this product.", env.Message)

	status, env = doRequest(t, app, http.MethodPut, "/api/products/"+created.ID, userB.Token, fiber.Map{"price": 1})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Not authorized to update this product.", env.Message)

	status, env = doRequest(t, app, http.MethodDelete, "/api/products/"+created.ID, userB.Token, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Not authorized to delete this product.", env.Message)

	// A still owns an intact product
	status, env = doRequest(t, app, http.MethodGet, "/api/products/"+created.ID, userA.Token, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestProductLifecycle(t *testing.T) {
	app := setupApp()
	user := registerUser(t, app, "A", "a@x.com", "secret")

	status, env := doRequest(t, app, http.MethodPost, "/api/products", user.Token, fiber.Map{
		"name": "Widget", "description": "A widget", "price": 5,
	})
	require.Equal(t, http.StatusCreated, status)

	var created productData
	require.NoError(t, json.Unmarshal(env.Data, &created))

	// partial update changes only the provided field
	status, env = doRequest(t, app, http.MethodPut, "/api/products/"+created.ID, user.Token, fiber.Map{
		"price": 9.99,
	})
	require.Equal(t, http.StatusOK, status)

	var updated productData
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, "Widget", updated.Name)
	assert.Equal(t, "A widget", updated.Description)
	assert.Equal(t, 9.99, updated.Price)

	status, env = doRequest(t, app, http.MethodDelete, "/api/products/"+created.ID, user.Token, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Product deleted successfully.", env.Message)

	status, env = doRequest(t, app, http.MethodGet, "/api/products/"+created.ID, user.Token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Product not found.", env.Message)
}

func TestErrorStatusObservedByLoggerAndMetrics(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	metrics := observability.NewMetrics()
	app := setupObservedApp(zap.New(core), metrics)

	status, _ := doRequest(t, app, http.MethodGet, "/api/products", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	// the counters key on the status the client actually received
	requests, errs := metrics.Snapshot()
	assert.Equal(t, int64(1), requests["/api/products|GET|401"])
	assert.Zero(t, requests["/api/products|GET|200"])
	assert.Equal(t, int64(1), errs["/api/products|GET|UNAUTHORIZED"])

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, http.StatusUnauthorized, entries[0].ContextMap()["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	app := setupApp()

	_, _ = doRequest(t, app, http.MethodGet, "/", "", nil)

	status, env := doRequest(t, app, http.MethodGet, "/health/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	var data struct {
		Requests map[string]int64 `json:"requests"`
		Errors   map[string]int64 `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, int64(1), data.Requests["/|GET|200"])
}

func TestProductBadRequests(t *testing.T) {
	app := setupApp()
	user := registerUser(t, app, "A", "a@x.com", "secret")

	status, env := doRequest(t, app, http.MethodPost, "/api/products", user.Token, fiber.Map{
		"description": "no name or price",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Please provide a name and price.", env.Message)

	status, env = doRequest(t, app, http.MethodGet, "/api/products/abc", user.Token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid ID format: abc", env.Message)

	missing := primitive.NewObjectID().Hex()
	status, env = doRequest(t, app, http.MethodGet, "/api/products/"+missing, user.Token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Product not found.", env.Message)
}
