package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc/health"

	config "github.com/echowrite/relay/config/relay"
	"github.com/echowrite/relay/gateways/relay/relay"
	"github.com/echowrite/relay/gateways/relay/transcription"
	"github.com/echowrite/relay/pkg/json"
	"github.com/echowrite/relay/pkg/jwt"
	"github.com/echowrite/relay/pkg/logger"
	"github.com/echowrite/relay/services/quota/entity"
	"github.com/echowrite/relay/services/quota/usecase"
)

// Payments verifies signed payment notifications.
type Payments interface {
	ParsePurchase(payload []byte, signature string) (*entity.Purchase, error)
}

type Handler struct {
	cfg           *config.Config
	usecase       usecase.Usecase
	payments      Payments
	dialer        transcription.Dialer
	transcription transcription.Config
	registry      *relay.Registry
	health        *health.Server
	upgrader      websocket.Upgrader
	log           *slog.Logger
}

type Deps struct {
	Usecase  usecase.Usecase
	Payments Payments
	Dialer   transcription.Dialer
	Registry *relay.Registry
	Health   *health.Server
}

func New(cfg *config.Config, deps Deps, log *slog.Logger) *Handler {
	h := &Handler{
		cfg:           cfg,
		usecase:       deps.Usecase,
		payments:      deps.Payments,
		dialer:        deps.Dialer,
		transcription: transcription.DefaultConfig(),
		registry:      deps.Registry,
		health:        deps.Health,
		log:           log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   16 << 10,
		WriteBufferSize:  16 << 10,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(h.withLogger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Route("/api", func(apiRouter chi.Router) {
		apiRouter.Post("/create-checkout-session", h.CreateCheckoutHandler)
		apiRouter.Post("/webhook", h.WebhookHandler)

		apiRouter.Route("/v1", func(v1 chi.Router) {
			v1.Get("/stream", h.StreamHandler)
			v1.Get("/quota", h.QuotaHandler)
			v1.Get("/health", h.HealthHandler)
		})
	})

	return router
}

// withLogger puts the handler's logger, tagged with the request id, on the
// request context for the layers below.
func (h *Handler) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := h.log.With(slog.String("request_id", middleware.GetReqID(r.Context())))
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), log)))
	})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.cfg.CORSOrigins, "*") {
		return true
	}
	if slices.Contains(h.cfg.CORSOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// authenticate resolves the caller's user id or writes a 403.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, err := jwt.ParseTokenFromHeader(r)
	if err != nil {
		json.WriteError(w, http.StatusForbidden, fmt.Errorf("access denied"))
		return "", false
	}

	userID, err := jwt.ParseUserID(r.Context(), token, h.cfg.JWTSecret)
	if err != nil {
		json.WriteError(w, http.StatusForbidden, fmt.Errorf("access denied"))
		return "", false
	}
	return userID, true
}

type QuotaResponse struct {
	FreeMinutes      float64 `json:"free_minutes"`
	UsedMinutes      float64 `json:"used_minutes"`
	PurchasedMinutes float64 `json:"purchased_minutes"`
	RemainingMinutes float64 `json:"remaining_minutes"`
	CanStart         bool    `json:"can_start"`
}

func (h *Handler) QuotaHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	quota, err := h.usecase.GetQuota(r.Context(), userID)
	if err != nil {
		h.log.Error("failed to load quota", slog.String("user_id", userID), slog.String("error", err.Error()))
		json.WriteError(w, http.StatusInternalServerError, errors.New("failed to load quota"))
		return
	}

	json.WriteJSON(w, http.StatusOK, QuotaResponse{
		FreeMinutes:      entity.FreeMinutesLeft(*quota),
		UsedMinutes:      quota.UsedMinutes,
		PurchasedMinutes: quota.PurchasedMinutes,
		RemainingMinutes: entity.Remaining(*quota),
		CanStart:         entity.CanStart(*quota),
	})
}
