package handler

import (
	"log/slog"
	"net/http"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/echowrite/relay/pkg/json"
)

// BillingService is the health service name reporting payment availability.
const BillingService = "billing"

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	overall, err := h.health.Check(r.Context(), &healthpb.HealthCheckRequest{})
	if err != nil {
		json.WriteError(w, http.StatusInternalServerError, err)
		return
	}

	billing := healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	if resp, err := h.health.Check(r.Context(), &healthpb.HealthCheckRequest{Service: BillingService}); err == nil {
		billing = resp.GetStatus()
	}

	body, err := structpb.NewStruct(map[string]any{
		"status":        overall.GetStatus().String(),
		"billing":       billing.String(),
		"active_relays": h.registry.Count(),
	})
	if err != nil {
		h.log.Error("failed to build health response", slog.String("error", err.Error()))
		json.WriteError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusOK
	if overall.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		status = http.StatusServiceUnavailable
	}
	json.WriteProtoJSON(w, status, body)
}
