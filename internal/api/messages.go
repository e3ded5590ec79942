package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
	"github.com/ultrazend/ultrazend/internal/repository/postgres"
)

// MessageStore answers tenant-scoped message lookups.
type MessageStore interface {
	Get(ctx context.Context, tenantID, id string) (*domain.Message, error)
	Recipients(ctx context.Context, messageID string) ([]domain.Recipient, error)
}

// EventStore lists the per-message event history.
type EventStore interface {
	ListForMessage(ctx context.Context, messageID string) ([]domain.Event, error)
}

var (
	_ MessageStore = (*postgres.MessageRepo)(nil)
	_ EventStore   = (*postgres.EventRepo)(nil)
)

type messageDetail struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	From       string            `json:"from"`
	Subject    string            `json:"subject"`
	CreatedAt  time.Time         `json:"created_at"`
	Recipients []recipientDetail `json:"recipients"`
	Events     []eventView       `json:"events"`
}

type recipientDetail struct {
	Address       string     `json:"address"`
	State         string     `json:"state"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

type eventView struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	tc := tenantFrom(r)
	id := chi.URLParam(r, "id")

	msg, err := s.messages.Get(r.Context(), tc.Tenant.ID, id)
	if errors.Is(err, domain.ErrNotFound) {
		httputil.NotFound(w, "message not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	recipients, err := s.messages.Recipients(r.Context(), msg.ID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	events, err := s.events.ListForMessage(r.Context(), msg.ID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	detail := messageDetail{
		ID:        msg.ID,
		Status:    string(msg.Status),
		From:      msg.FromAddress,
		Subject:   msg.Subject,
		CreatedAt: msg.CreatedAt,
	}
	for _, rc := range recipients {
		detail.Recipients = append(detail.Recipients, recipientDetail{
			Address:       rc.Address,
			State:         string(rc.State),
			Attempts:      rc.Attempts,
			LastError:     rc.LastError,
			NextAttemptAt: rc.NextAttemptAt,
		})
	}
	for _, e := range events {
		detail.Events = append(detail.Events, eventView{
			Type:      string(e.Type),
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
		})
	}

	httputil.OK(w, detail)
}
