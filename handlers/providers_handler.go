package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/fitchat-gateway/services"
	"github.com/upb/fitchat-gateway/services/providers"
	"github.com/upb/fitchat-gateway/services/routing"
	"github.com/upb/fitchat-gateway/utils"
	"go.uber.org/zap"
)

// ProviderChain lists providers in the order they are tried
type ProviderChain interface {
	Ordered() []providers.Provider
	Get(name string) (providers.Provider, error)
	Priority(name string) (int, bool)
}

// CircuitReporter reports the breaker state of a provider
type CircuitReporter interface {
	Status(provider string) routing.CircuitStatus
}

// ProviderStatus is one entry of GET /ai/providers. Credentials never appear here.
type ProviderStatus struct {
	Name          string `json:"name"`
	Model         string `json:"model"`
	Priority      int    `json:"priority"`
	SupportsTools bool   `json:"supports_tools"`
	CircuitState  string `json:"circuit_state"`
}

// ProviderDetail is the body of GET /ai/providers/{name}
type ProviderDetail struct {
	ProviderStatus
	OpenUntil        *time.Time `json:"open_until,omitempty"`
	ConsecutiveTrips int        `json:"consecutive_trips"`
}

// ProvidersHandler reports the provider chain
type ProvidersHandler struct {
	chain    ProviderChain
	circuits CircuitReporter
	logger   *zap.Logger
}

// NewProvidersHandler creates a new ProvidersHandler
func NewProvidersHandler(chain ProviderChain, circuits CircuitReporter, logger *zap.Logger) *ProvidersHandler {
	return &ProvidersHandler{
		chain:    chain,
		circuits: circuits,
		logger:   logger,
	}
}

// HandleList handles GET /ai/providers
func (h *ProvidersHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ordered := h.chain.Ordered()
	statuses := make([]ProviderStatus, 0, len(ordered))
	for _, p := range ordered {
		statuses = append(statuses, h.status(p, h.circuits.Status(p.Name())))
	}

	if err := utils.WriteOK(w, statuses); err != nil {
		h.logger.Error("failed to write providers response", zap.Error(err))
	}
}

// HandleGet handles GET /ai/providers/{name}
func (h *ProvidersHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.chain.Get(chi.URLParam(r, "name"))
	if err != nil {
		HandleServiceError(w, services.ErrProviderNotFound, h.logger)
		return
	}

	circuit := h.circuits.Status(p.Name())
	detail := ProviderDetail{
		ProviderStatus:   h.status(p, circuit),
		OpenUntil:        circuit.OpenUntil,
		ConsecutiveTrips: circuit.Trips,
	}

	if err := utils.WriteOK(w, detail); err != nil {
		h.logger.Error("failed to write provider response", zap.Error(err))
	}
}

func (h *ProvidersHandler) status(p providers.Provider, circuit routing.CircuitStatus) ProviderStatus {
	priority, _ := h.chain.Priority(p.Name())
	return ProviderStatus{
		Name:          p.Name(),
		Model:         p.Model(),
		Priority:      priority,
		SupportsTools: p.Capabilities().SupportsTools,
		CircuitState:  circuit.State.String(),
	}
}
