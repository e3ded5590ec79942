package tracking

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// onePixelGIF is a transparent 1x1 GIF, the classic open-tracking pixel.
var onePixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler serves the tracking endpoints. Hits are deduplicated per
// (message, recipient, kind) within the configured window via Redis
// SETNX, then published to the stream; the response never waits on the
// database.
type Handler struct {
	secret    []byte
	publisher *Publisher
	dedup     *redis.Client
	window    time.Duration
	log       *logger.Logger
}

func NewHandler(cfg config.TrackingConfig, publisher *Publisher, dedup *redis.Client) *Handler {
	return &Handler{
		secret:    []byte(cfg.Secret),
		publisher: publisher,
		dedup:     dedup,
		window:    cfg.DedupWindow(),
		log:       logger.Component("tracking"),
	}
}

// Routes mounts the tracking endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/t/o/{token}", h.handleOpen)
	r.Get("/t/c/{token}", h.handleClick)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	tok, err := DecodeToken(h.secret, chi.URLParam(r, "token"))
	if err != nil {
		// Bad tokens still get the pixel; a 404 would tell a prober
		// which tokens are live.
		h.servePixel(w)
		return
	}
	h.record(r.Context(), tok)
	h.servePixel(w)
}

func (h *Handler) handleClick(w http.ResponseWriter, r *http.Request) {
	tok, err := DecodeToken(h.secret, chi.URLParam(r, "token"))
	if err != nil || tok.TargetURL == "" {
		http.NotFound(w, r)
		return
	}
	h.record(r.Context(), tok)
	http.Redirect(w, r, tok.TargetURL, http.StatusFound)
}

func (h *Handler) record(ctx context.Context, tok *Token) {
	key := "tracking:dedup:" + string(tok.Kind) + ":" + tok.MessageID + ":" + tok.Recipient
	fresh, err := h.dedup.SetNX(ctx, key, 1, h.window).Result()
	if err != nil {
		// Redis trouble: record the hit anyway, the event fingerprint is
		// the second line of defense.
		h.log.Warn("tracking dedup unavailable", "error", err)
		fresh = true
	}
	if !fresh {
		return
	}
	if err := h.publisher.Publish(ctx, tok.MessageID, tok.Kind, tok.Recipient, tok.TargetURL); err != nil {
		h.log.Error("publish tracking hit failed", "message_id", tok.MessageID, "error", err)
	}
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(onePixelGIF)
}
