package members

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryGetter struct {
	members map[int64]*Member
}

func (g *memoryGetter) GetMember(ctx context.Context, id int64) (*Member, error) {
	m, ok := g.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func newMemberRouter(g *memoryGetter) http.Handler {
	r := chi.NewRouter()
	r.Route("/members", func(r chi.Router) {
		NewHandler(slog.Default(), g).MountRoutes(r)
	})
	return r
}

func TestGetMember(t *testing.T) {
	limit, _ := decimal.NewFromString("500")
	balance, _ := decimal.NewFromString("120.50")
	router := newMemberRouter(&memoryGetter{members: map[int64]*Member{
		7: {
			ID:            7,
			Name:          "Sari",
			Email:         "sari@example.com",
			Status:        StatusActive,
			CreditLimit:   limit,
			CreditBalance: balance,
			CreatedAt:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members/7", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		ID            int64  `json:"id"`
		Name          string `json:"name"`
		Status        string `json:"status"`
		CreditBalance string `json:"credit_balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, int64(7), view.ID)
	require.Equal(t, "Sari", view.Name)
	require.Equal(t, string(StatusActive), view.Status)
	require.Equal(t, "120.5", view.CreditBalance)
}

func TestGetMemberNotFound(t *testing.T) {
	router := newMemberRouter(&memoryGetter{members: map[int64]*Member{}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members/99", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMemberInvalidID(t *testing.T) {
	router := newMemberRouter(&memoryGetter{members: map[int64]*Member{}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members/abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
