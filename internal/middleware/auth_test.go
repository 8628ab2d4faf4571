package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/staffdesk/agent-server-go/internal/model"
	"github.com/staffdesk/agent-server-go/internal/util"
)

type mockAccountRepo struct {
	mock.Mock
}

func (m *mockAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Account), args.Error(1)
}

func (m *mockAccountRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Account, error) {
	args := m.Called(ctx, tokenHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Account), args.Error(1)
}

func (m *mockAccountRepo) DeleteDisabledTokens(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func TestAuthMiddleware(t *testing.T) {
	okHandler := func(captured **model.Account) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*captured = GetAccount(r.Context())
			w.WriteHeader(http.StatusOK)
		})
	}

	t.Run("accepts a bearer token and attaches the account", func(t *testing.T) {
		repo := new(mockAccountRepo)
		account := &model.Account{ID: "acc-1", DisplayName: "Tester"}
		repo.On("FindByTokenHash", mock.Anything, util.HashToken("valid-token")).Return(account, nil)

		var captured *model.Account
		handler := NewAuthMiddleware(repo).Handler(okHandler(&captured))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotNil(t, captured)
		assert.Equal(t, "acc-1", captured.ID)
	})

	t.Run("accepts a query token for event streams", func(t *testing.T) {
		repo := new(mockAccountRepo)
		account := &model.Account{ID: "acc-1"}
		repo.On("FindByTokenHash", mock.Anything, util.HashToken("valid-token")).Return(account, nil)

		var captured *model.Account
		handler := NewAuthMiddleware(repo).Handler(okHandler(&captured))

		req := httptest.NewRequest(http.MethodGet, "/?token=valid-token", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotNil(t, captured)
	})

	t.Run("rejects a missing token", func(t *testing.T) {
		repo := new(mockAccountRepo)
		var captured *model.Account
		handler := NewAuthMiddleware(repo).Handler(okHandler(&captured))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, captured)
		repo.AssertNotCalled(t, "FindByTokenHash", mock.Anything, mock.Anything)
	})

	t.Run("rejects an unknown token", func(t *testing.T) {
		repo := new(mockAccountRepo)
		repo.On("FindByTokenHash", mock.Anything, mock.Anything).Return(nil, nil)

		var captured *model.Account
		handler := NewAuthMiddleware(repo).Handler(okHandler(&captured))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, captured)
	})
}

func TestGetAccount(t *testing.T) {
	t.Run("returns nil for a bare context", func(t *testing.T) {
		assert.Nil(t, GetAccount(context.Background()))
	})
}
