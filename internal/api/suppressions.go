package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
	"github.com/ultrazend/ultrazend/internal/repository/postgres"
)

// SuppressionStore manages the tenant's suppression list.
type SuppressionStore interface {
	List(ctx context.Context, tenantID string, limit, offset int) ([]domain.SuppressionEntry, error)
	Suppress(ctx context.Context, e *domain.SuppressionEntry) error
	Remove(ctx context.Context, tenantID, address string) error
}

var _ SuppressionStore = (*postgres.SuppressionRepo)(nil)

type suppressionView struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	tc := tenantFrom(r)

	limit := queryInt(r, "limit", 100, 1000)
	offset := queryInt(r, "offset", 0, 1<<30)

	entries, err := s.suppressions.List(r.Context(), tc.Tenant.ID, limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	views := make([]suppressionView, 0, len(entries))
	for _, e := range entries {
		views = append(views, suppressionView{
			Address:   e.Address,
			Reason:    string(e.Reason),
			CreatedAt: e.CreatedAt,
		})
	}
	httputil.OK(w, map[string]any{"suppressions": views})
}

func (s *Server) handleCreateSuppression(w http.ResponseWriter, r *http.Request) {
	tc := tenantFrom(r)

	var req struct {
		Address string `json:"address"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}

	addr, err := domain.ValidateAddress(req.Address)
	if err != nil {
		httputil.BadRequest(w, "invalid_address", err.Error())
		return
	}

	entry := &domain.SuppressionEntry{
		ID:       uuid.NewString(),
		TenantID: tc.Tenant.ID,
		Address:  addr,
		Reason:   domain.ReasonManual,
	}
	if err := s.suppressions.Suppress(r.Context(), entry); err != nil {
		httputil.InternalError(w, err)
		return
	}

	s.log.Info("suppression added", "tenant_id", tc.Tenant.ID, "address", addr)
	httputil.Created(w, suppressionView{Address: addr, Reason: string(entry.Reason)})
}

func (s *Server) handleDeleteSuppression(w http.ResponseWriter, r *http.Request) {
	tc := tenantFrom(r)
	addr := domain.NormalizeAddress(chi.URLParam(r, "address"))

	if err := s.suppressions.Remove(r.Context(), tc.Tenant.ID, addr); err != nil {
		httputil.InternalError(w, err)
		return
	}

	s.log.Info("suppression removed", "tenant_id", tc.Tenant.ID, "address", addr)
	httputil.NoContent(w)
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
