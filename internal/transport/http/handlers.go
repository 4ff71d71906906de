// Package http is the thin transport glue for the control plane's
// operational surface: POST heartbeat, POST refresh, POST cache/clear,
// GET drift/statistics, and a health endpoint. It extracts the actor
// UserContext the core services assume is already validated, calls
// straight into the domain services, and maps *domainerr.Error to wire
// status codes. No OpenAPI generation, no auth termination.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/configplane/controlplane/internal/bus"
	"github.com/configplane/controlplane/internal/cache"
	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/drift"
	"github.com/configplane/controlplane/internal/heartbeat"
	"github.com/configplane/controlplane/internal/orchestrator"
	"github.com/configplane/controlplane/internal/repository"
	"github.com/configplane/controlplane/internal/share"
)

// DB is the subset of *pgxpool.Pool the health handler depends on.
type DB interface {
	Ping(ctx context.Context) error
}

// Handler bundles every dependency the operational-surface HTTP routes
// call into.
type Handler struct {
	orchestrator *orchestrator.Orchestrator
	publisher    bus.Publisher
	cacheMgr     *cache.Manager
	drift        *drift.Service
	shares       *share.Service
	db           DB
	redis        *redis.Client
	logger       *slog.Logger
}

// New constructs a Handler. redisClient may be nil when the L2 cache
// tier is disabled.
func New(
	orch *orchestrator.Orchestrator,
	publisher bus.Publisher,
	cacheMgr *cache.Manager,
	driftSvc *drift.Service,
	shareSvc *share.Service,
	db DB,
	redisClient *redis.Client,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orchestrator: orch,
		publisher:    publisher,
		cacheMgr:     cacheMgr,
		drift:        driftSvc,
		shares:       shareSvc,
		db:           db,
		redis:        redisClient,
		logger:       logger,
	}
}

// Register mounts every operational-surface route on router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/heartbeat", h.handleHeartbeat).Methods(http.MethodPost)
	router.HandleFunc("/refresh", h.handleRefresh).Methods(http.MethodPost)
	router.HandleFunc("/cache/clear", h.handleCacheClear).Methods(http.MethodPost)
	router.HandleFunc("/drift/statistics", h.handleDriftStatistics).Methods(http.MethodGet)
	router.HandleFunc("/shares", h.handleShareGrant).Methods(http.MethodPost)
	router.HandleFunc("/shares/{shareId}", h.handleShareRevoke).Methods(http.MethodDelete)
	router.HandleFunc("/services/{serviceId}/shares", h.handleShareList).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
}

type heartbeatResponse struct {
	Success       bool   `json:"success"`
	DriftDetected bool   `json:"driftDetected"`
	Message       string `json:"message"`
}

// handleHeartbeat implements `POST heartbeat`.
func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var payload heartbeat.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, domainerr.New(domainerr.KindInvalidInput, "malformed heartbeat body"))
		return
	}

	result, err := h.orchestrator.Submit(r.Context(), payload)
	if err != nil {
		if err == orchestrator.ErrQueueFull {
			writeJSON(w, http.StatusServiceUnavailable, heartbeatResponse{
				Success: false,
				Message: "ingest queue full, retry on next heartbeat cycle",
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{
		Success:       true,
		DriftDetected: result.DriftDetected,
		Message:       "heartbeat accepted",
	})
}

// handleRefresh implements `POST refresh?destination=<pattern>`, an
// admin-triggered refresh.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	actor := actorFromRequest(r)
	if !actor.IsSysAdmin() {
		writeError(w, domainerr.New(domainerr.KindUnauthorized, "admin-triggered refresh requires SYS_ADMIN"))
		return
	}

	destination := r.URL.Query().Get("destination")
	if !bus.ValidDestination(destination) {
		writeError(w, domainerr.New(domainerr.KindInvalidInput, "invalid destination"))
		return
	}

	if err := h.publisher.Publish(r.Context(), destination); err != nil {
		writeError(w, domainerr.Wrap(domainerr.KindDependencyUnavailable, "refresh publish failed", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"destination": destination})
}

// handleCacheClear implements `POST cache/clear?cacheName=<name?>`. An
// empty cacheName clears every named cache.
func (h *Handler) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	actor := actorFromRequest(r)
	if !actor.IsSysAdmin() {
		writeError(w, domainerr.New(domainerr.KindUnauthorized, "cache clear requires SYS_ADMIN"))
		return
	}

	name := r.URL.Query().Get("cacheName")
	names := []string{name}
	if name == "" {
		names = []string{
			cache.NameExpectedHash, cache.NameServiceResolution, cache.NamePermissions,
			cache.NameCSoTFallback, cache.NameIdPFallback, cache.NameHeartbeatDedup,
		}
	}
	for _, n := range names {
		if err := h.cacheMgr.Clear(r.Context(), n); err != nil {
			writeError(w, domainerr.Wrap(domainerr.KindInternal, "cache clear failed", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"cleared": name})
}

// handleDriftStatistics implements `GET drift/statistics`.
func (h *Handler) handleDriftStatistics(w http.ResponseWriter, r *http.Request) {
	actor := actorFromRequest(r)
	if !actor.IsSysAdmin() {
		writeError(w, domainerr.New(domainerr.KindUnauthorized, "drift statistics require SYS_ADMIN"))
		return
	}

	criteria := repository.Criteria{Unrestricted: true}
	if env := r.URL.Query().Get("environment"); env != "" {
		criteria.Environment = env
	}

	stats, err := h.drift.Statistics(r.Context(), criteria)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleShareGrant implements `POST /shares`: grants a ServiceShare.
// share.Service.Grant enforces the ADMIN check itself, so this handler is
// thin glue, same as the other admin-only routes.
func (h *Handler) handleShareGrant(w http.ResponseWriter, r *http.Request) {
	var s domain.ServiceShare
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, domainerr.New(domainerr.KindInvalidInput, "malformed share body"))
		return
	}

	granted, err := h.shares.Grant(r.Context(), actorFromRequest(r), &s)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, granted)
}

// handleShareRevoke implements `DELETE /shares/{shareId}`.
func (h *Handler) handleShareRevoke(w http.ResponseWriter, r *http.Request) {
	shareID := mux.Vars(r)["shareId"]
	if err := h.shares.Revoke(r.Context(), actorFromRequest(r), shareID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShareList implements `GET /services/{serviceId}/shares`.
func (h *Handler) handleShareList(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["serviceId"]
	shares, err := h.shares.ListByService(r.Context(), actorFromRequest(r), serviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

type healthResponse struct {
	Status   string            `json:"status"`
	Database string            `json:"database"`
	Redis    string            `json:"redis"`
	Caches   map[string]string `json:"caches"`
}

// handleHealth reports per-cache status and dependency reachability.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Caches: map[string]string{}}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			resp.Database = "unreachable: " + err.Error()
			resp.Status = "degraded"
		} else {
			resp.Database = "ok"
		}
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			resp.Redis = "unreachable: " + err.Error()
			resp.Status = "degraded"
		} else {
			resp.Redis = "ok"
		}
	} else {
		resp.Redis = "disabled"
	}

	for _, name := range []string{
		cache.NameExpectedHash, cache.NameServiceResolution, cache.NamePermissions,
		cache.NameCSoTFallback, cache.NameIdPFallback, cache.NameHeartbeatDedup,
	} {
		if _, err := h.cacheMgr.Named(name); err != nil {
			resp.Caches[name] = "unconfigured"
			resp.Status = "degraded"
			continue
		}
		resp.Caches[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(domainerr.KindOf(err)), map[string]string{"error": err.Error()})
}

func statusFor(kind domainerr.Kind) int {
	switch kind {
	case domainerr.KindInvalidInput:
		return http.StatusBadRequest
	case domainerr.KindUnauthenticated:
		return http.StatusUnauthorized
	case domainerr.KindUnauthorized:
		return http.StatusForbidden
	case domainerr.KindNotFound:
		return http.StatusNotFound
	case domainerr.KindConflict, domainerr.KindAlreadyTerminal:
		return http.StatusConflict
	case domainerr.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case domainerr.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// actorFromRequest extracts the caller's UserContext from headers assumed
// already validated upstream (by whatever auth termination fronts this
// service); this transport layer never authenticates, it only reads the
// result.
func actorFromRequest(r *http.Request) domain.UserContext {
	return domain.UserContext{
		UserID:    r.Header.Get("X-User-Id"),
		TeamIDs:   splitHeader(r.Header.Get("X-User-Teams")),
		ManagerID: r.Header.Get("X-User-Manager-Id"),
		Roles:     splitHeader(r.Header.Get("X-User-Roles")),
	}
}

func splitHeader(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
