package api

import (
	"errors"
	"net/http"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
	"github.com/ultrazend/ultrazend/internal/submission"
)

type sendRequest struct {
	From        string            `json:"from"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	To          []string          `json:"to"`
	Subject     string            `json:"subject"`
	HTML        string            `json:"html,omitempty"`
	Text        string            `json:"text,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TrackOpens  bool              `json:"track_opens"`
	TrackClicks bool              `json:"track_clicks"`
}

type sendResponse struct {
	MessageID  string          `json:"message_id"`
	Status     string          `json:"status"`
	Duplicate  bool            `json:"duplicate,omitempty"`
	Recipients []recipientView `json:"recipients"`
}

type recipientView struct {
	Address string `json:"address"`
	State   string `json:"state"`
}

func (req *sendRequest) toSubmission(idempotencyKey string) *submission.Request {
	return &submission.Request{
		From:           req.From,
		ReplyTo:        req.ReplyTo,
		Subject:        req.Subject,
		HTMLBody:       req.HTML,
		TextBody:       req.Text,
		Headers:        req.Headers,
		Recipients:     req.To,
		TrackOpens:     req.TrackOpens,
		TrackClicks:    req.TrackClicks,
		IdempotencyKey: idempotencyKey,
	}
}

func toSendResponse(res *submission.Result) sendResponse {
	out := sendResponse{
		MessageID: res.Message.ID,
		Status:    string(res.Message.Status),
		Duplicate: res.Duplicate,
	}
	for _, rc := range res.Recipients {
		out.Recipients = append(out.Recipients, recipientView{
			Address: rc.Address,
			State:   string(rc.State),
		})
	}
	return out
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	res, err := s.pipeline.Submit(r.Context(), tenantFrom(r), req.toSubmission(r.Header.Get("Idempotency-Key")))
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	httputil.JSON(w, status, toSendResponse(res))
}

// handleSendBatch admits each envelope independently and reports
// per-envelope outcomes, so one bad envelope never sinks the batch.
func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []sendRequest
	if !httputil.Decode(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 {
		httputil.BadRequest(w, "empty_batch", "batch has no envelopes")
		return
	}

	type batchResult struct {
		Index int           `json:"index"`
		OK    bool          `json:"ok"`
		Sent  *sendResponse `json:"result,omitempty"`
		Error string        `json:"error,omitempty"`
	}

	tc := tenantFrom(r)
	results := make([]batchResult, 0, len(reqs))
	for i, req := range reqs {
		res, err := s.pipeline.Submit(r.Context(), tc, req.toSubmission(""))
		if err != nil {
			results = append(results, batchResult{Index: i, Error: err.Error()})
			continue
		}
		view := toSendResponse(res)
		results = append(results, batchResult{Index: i, OK: true, Sent: &view})
	}

	httputil.OK(w, map[string]any{"results": results})
}

func writeSubmitError(w http.ResponseWriter, err error) {
	if qe, ok := domain.IsQuotaError(err); ok {
		httputil.QuotaExceeded(w, qe.RetryAfter, qe.Error())
		return
	}
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		httputil.Forbidden(w, "forbidden", "credential lacks the send capability")
	case errors.Is(err, domain.ErrUnauthorizedSender):
		httputil.Forbidden(w, "unauthorized_sender", err.Error())
	case errors.Is(err, domain.ErrPayloadTooLarge):
		httputil.Error(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
	case errors.Is(err, domain.ErrInvalidAddress), errors.Is(err, domain.ErrTooManyRecipients),
		errors.Is(err, domain.ErrInvalidPayload):
		httputil.Error(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
