package httpx

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/enrichment"
	"github.com/dnxplataformas/crm-api/internal/repository"
	"github.com/dnxplataformas/crm-api/internal/service/auth"
	"github.com/dnxplataformas/crm-api/internal/service/consulta"
	"github.com/dnxplataformas/crm-api/internal/service/extraction"
	"github.com/dnxplataformas/crm-api/internal/service/funnel"
	"github.com/dnxplataformas/crm-api/internal/service/lead"
	"github.com/dnxplataformas/crm-api/internal/service/workspace"
	"github.com/dnxplataformas/crm-api/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux             *http.ServeMux
	logger          *slog.Logger
	auth            auth.Service
	workspace       workspace.Service
	funnel          funnel.Service
	lead            lead.Service
	consulta        consulta.Service
	extraction      extraction.Service
	hub             *ws.Hub
	upgrader        websocket.Upgrader
	limiter         RateLimiter
	serviceToken    string
	evolutionSecret string
	dbHealth        func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	quotaDenials       *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitConsulta  = 30
	rateLimitWebsocket = 30
	rateLimitWebhook   = 300
	healthCheckTimeout = 2 * time.Second
)

// Error codes surfaced in response bodies.
const (
	codeInvalid       = "REQUISICAO_INVALIDA"
	codeUnauthorized  = "NAO_AUTENTICADO"
	codeForbidden     = "PLANO_SEM_ACESSO"
	codeNotFound      = "NAO_ENCONTRADO"
	codeConflict      = "CONFLITO"
	codeStageHasLeads = "ESTAGIO_HAS_LEADS"
	codeQuota         = "QUOTA_EXCEDIDA"
	codeRateLimited   = "RATE_LIMITED"
	codeVendor        = "FORNECEDOR_INDISPONIVEL"
	codeInternal      = "ERRO_INTERNO"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, workspaceSvc workspace.Service, funnelSvc funnel.Service, leadSvc lead.Service, consultaSvc consulta.Service, extractionSvc extraction.Service, hub *ws.Hub, limiter RateLimiter, serviceToken, evolutionSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		auth:       authSvc,
		workspace:  workspaceSvc,
		funnel:     funnelSvc,
		lead:       leadSvc,
		consulta:   consultaSvc,
		extraction: extractionSvc,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:         limiter,
		serviceToken:    strings.TrimSpace(serviceToken),
		evolutionSecret: strings.TrimSpace(evolutionSecret),
		dbHealth:        dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit("/auth/signup", r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/auth/refresh", r.audit("/auth/refresh", r.withRateLimit("/auth/refresh", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleRefresh)))
	r.mux.HandleFunc("/workspaces", r.audit("/workspaces", r.handleWorkspaces))
	r.mux.HandleFunc("/workspaces/me", r.audit("/workspaces/me", r.handlerAuthRate("/workspaces/me", rateLimitUserRead, rateWindowDefault, r.handleWorkspaceMe)))
	r.mux.HandleFunc("/admin/quota/reset", r.audit("/admin/quota/reset", r.handleQuotaReset))
	r.mux.HandleFunc("/funis", r.audit("/funis", r.handlerAuthRate("/funis", rateLimitUserWrite, rateWindowDefault, r.handleFunis)))
	r.mux.HandleFunc("/funis/", r.audit("/funis/", r.handlerAuthRate("/funis/", rateLimitUserWrite, rateWindowDefault, r.handleFunilSubroutes)))
	r.mux.HandleFunc("/leads", r.audit("/leads", r.handlerAuthRate("/leads", rateLimitUserWrite, rateWindowDefault, r.handleLeads)))
	r.mux.HandleFunc("/leads/", r.audit("/leads/", r.handlerAuthRate("/leads/", rateLimitUserWrite, rateWindowDefault, r.handleLeadSubroutes)))
	r.mux.HandleFunc("/consulta", r.audit("/consulta", r.handlerAuthRate("/consulta", rateLimitConsulta, rateWindowDefault, r.handleConsulta)))
	r.mux.HandleFunc("/consultas", r.audit("/consultas", r.handlerAuthRate("/consultas", rateLimitUserRead, rateWindowDefault, r.handleConsultaHistory)))
	r.mux.HandleFunc("/extracoes", r.audit("/extracoes", r.handlerAuthRate("/extracoes", rateLimitUserWrite, rateWindowDefault, r.handleExtracoes)))
	r.mux.HandleFunc("/ws/board", r.audit("/ws/board", r.handlerAuthRate("/ws/board", rateLimitWebsocket, rateWindowRealtime, r.handleBoardWS)))
	r.mux.HandleFunc("/sse/board", r.audit("/sse/board", r.handlerAuthRate("/sse/board", rateLimitWebsocket, rateWindowRealtime, r.handleBoardSSE)))
	r.mux.HandleFunc("/webhook/evolution", r.audit("/webhook/evolution", r.withRateLimit("/webhook/evolution", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleEvolutionWebhook)))
}

// writeServiceError translates service sentinels into status codes.
func (r *Router) writeServiceError(w http.ResponseWriter, route string, err error) {
	switch {
	case errors.Is(err, funnel.ErrStageHasLeads):
		writeError(w, http.StatusConflict, codeStageHasLeads, err.Error())
	case errors.Is(err, funnel.ErrInvalidPosition), errors.Is(err, lead.ErrStageMismatch), errors.Is(err, lead.ErrEmptyMessage), errors.Is(err, lead.ErrLeadWithoutPhone), errors.Is(err, workspace.ErrUnknownPlan), errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, codeInvalid, err.Error())
	case errors.Is(err, consulta.ErrQuotaExceeded), errors.Is(err, extraction.ErrQuotaExceeded):
		r.recordQuotaDenial(route)
		writeError(w, http.StatusTooManyRequests, codeQuota, err.Error())
	case errors.Is(err, consulta.ErrPlanForbidden), errors.Is(err, extraction.ErrPlanForbidden):
		writeError(w, http.StatusForbidden, codeForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, enrichment.ErrVendorUnavailable), errors.Is(err, lead.ErrMessagingUnavailable):
		writeError(w, http.StatusBadGateway, codeVendor, "data vendor is unavailable")
	case errors.Is(err, repository.ErrUnavailable):
		r.logger.Error("store unavailable", "route", route, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "storage temporarily unavailable, retry the request")
	case errors.Is(err, enrichment.ErrVendorRejected), errors.Is(err, extraction.ErrNoRecords):
		writeError(w, http.StatusBadRequest, codeInvalid, err.Error())
	default:
		r.logger.Error("request failed", "route", route, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		WorkspaceID string `json:"workspaceId"`
		Email       string `json:"email"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.WorkspaceID, payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) {
			r.writeServiceError(w, "/auth/signup", err)
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalid, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":          user.ID,
			"email":       user.Email,
			"workspaceId": user.WorkspaceID,
		},
		"tokens": map[string]string{
			"access":  tokens.AccessToken,
			"refresh": tokens.RefreshToken,
		},
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":          user.ID,
			"email":       user.Email,
			"workspaceId": user.WorkspaceID,
		},
		"tokens": map[string]string{
			"access":  tokens.AccessToken,
			"refresh": tokens.RefreshToken,
		},
	})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
		return
	}
	tokens, err := r.auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access":  tokens.AccessToken,
		"refresh": tokens.RefreshToken,
	})
}

// handleWorkspaces provisions tenants. Only the onboarding service holding the
// shared token may call it.
func (r *Router) handleWorkspaces(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyServiceToken(w, req) {
		return
	}
	var payload struct {
		Name string `json:"nome"`
		Plan string `json:"plano"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
		return
	}
	tenant, err := r.workspace.Create(req.Context(), payload.Name, payload.Plan)
	if err != nil {
		r.writeServiceError(w, "/workspaces", err)
		return
	}
	writeJSON(w, http.StatusCreated, workspaceJSON(tenant))
}

func (r *Router) handleWorkspaceMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for workspace read", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	tenant, err := r.workspace.Get(req.Context(), info.WorkspaceID)
	if err != nil {
		r.writeServiceError(w, "/workspaces/me", err)
		return
	}
	statuses, err := r.workspace.Status(req.Context(), info.WorkspaceID)
	if err != nil {
		r.writeServiceError(w, "/workspaces/me", err)
		return
	}
	quotas := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		quotas = append(quotas, map[string]any{
			"recurso":    string(st.Kind),
			"limite":     st.Limit,
			"consumido":  st.Consumed,
			"restante":   st.Remaining,
			"percentual": st.Percent,
		})
	}
	payload := workspaceJSON(tenant)
	payload["quotas"] = quotas
	writeJSON(w, http.StatusOK, payload)
}

// handleQuotaReset serves the external monthly billing-cycle job.
func (r *Router) handleQuotaReset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyServiceToken(w, req) {
		return
	}
	var payload struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.WorkspaceID) == "" {
		writeError(w, http.StatusBadRequest, codeInvalid, "workspaceId is required")
		return
	}
	if err := r.workspace.ResetQuotas(req.Context(), payload.WorkspaceID); err != nil {
		r.writeServiceError(w, "/admin/quota/reset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (r *Router) handleFunis(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for funis", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		funis, err := r.funnel.ListFunnels(req.Context(), info.WorkspaceID)
		if err != nil {
			r.writeServiceError(w, "/funis", err)
			return
		}
		writeJSON(w, http.StatusOK, funis)
	case http.MethodPost:
		var payload struct {
			Name  string `json:"nome"`
			Color string `json:"cor"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
			return
		}
		funil, err := r.funnel.CreateFunnel(req.Context(), info.WorkspaceID, payload.Name, payload.Color)
		if err != nil {
			r.writeServiceError(w, "/funis", err)
			return
		}
		writeJSON(w, http.StatusCreated, funil)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleFunilSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/funis/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	funnelID := parts[0]
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for funil subroute", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodDelete {
			r.methodNotAllowed(w)
			return
		}
		if err := r.funnel.DeleteFunnel(req.Context(), info.WorkspaceID, funnelID); err != nil {
			r.writeServiceError(w, "/funis/", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	case len(parts) == 2 && parts[1] == "estagios":
		r.handleEstagios(w, req, info.WorkspaceID, funnelID)
	case len(parts) == 3 && parts[1] == "estagios":
		if req.Method != http.MethodDelete {
			r.methodNotAllowed(w)
			return
		}
		if err := r.funnel.RemoveStage(req.Context(), info.WorkspaceID, funnelID, parts[2]); err != nil {
			r.writeServiceError(w, "/funis/", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	case len(parts) == 4 && parts[1] == "estagios" && parts[3] == "reorder":
		r.handleReorder(w, req, info.WorkspaceID, funnelID, parts[2])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleEstagios(w http.ResponseWriter, req *http.Request, workspaceID, funnelID string) {
	switch req.Method {
	case http.MethodGet:
		stages, err := r.funnel.ListStages(req.Context(), workspaceID, funnelID)
		if err != nil {
			r.writeServiceError(w, "/funis/", err)
			return
		}
		writeJSON(w, http.StatusOK, stages)
	case http.MethodPost:
		var payload struct {
			Name  string `json:"nome"`
			Color string `json:"cor"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
			return
		}
		stage, err := r.funnel.AppendStage(req.Context(), workspaceID, funnelID, payload.Name, payload.Color)
		if err != nil {
			r.writeServiceError(w, "/funis/", err)
			return
		}
		writeJSON(w, http.StatusCreated, stage)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleReorder(w http.ResponseWriter, req *http.Request, workspaceID, funnelID, stageID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		NewOrder int `json:"novaOrdem"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
		return
	}
	stage, err := r.funnel.MoveStage(req.Context(), workspaceID, funnelID, stageID, payload.NewOrder)
	if err != nil {
		r.writeServiceError(w, "/funis/", err)
		return
	}
	writeJSON(w, http.StatusOK, stage)
}

func (r *Router) handleLeads(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for leads", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
		leads, err := r.lead.List(req.Context(), info.WorkspaceID, limit, offset)
		if err != nil {
			r.writeServiceError(w, "/leads", err)
			return
		}
		writeJSON(w, http.StatusOK, leads)
	case http.MethodPost:
		var payload struct {
			FunnelID string `json:"funilId"`
			StageID  string `json:"estagioId"`
			Name     string `json:"nome"`
			Phone    string `json:"telefone"`
			Email    string `json:"email"`
			Document string `json:"documento"`
			Source   string `json:"origem"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
			return
		}
		created, err := r.lead.Create(req.Context(), info.WorkspaceID, lead.CreateInput{
			FunnelID: payload.FunnelID,
			StageID:  payload.StageID,
			Name:     payload.Name,
			Phone:    payload.Phone,
			Email:    payload.Email,
			Document: payload.Document,
			Source:   payload.Source,
		})
		if err != nil {
			r.writeServiceError(w, "/leads", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleLeadSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/leads/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	leadID := parts[0]
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for lead subroute", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	switch {
	case len(parts) == 1 && req.Method == http.MethodGet:
		found, err := r.lead.Get(req.Context(), info.WorkspaceID, leadID)
		if err != nil {
			r.writeServiceError(w, "/leads/", err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	case len(parts) == 1 && req.Method == http.MethodDelete:
		if err := r.lead.Delete(req.Context(), info.WorkspaceID, leadID); err != nil {
			r.writeServiceError(w, "/leads/", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	case len(parts) == 2 && parts[1] == "whatsapp":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			Message string `json:"mensagem"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
			return
		}
		sent, err := r.lead.SendWhatsApp(req.Context(), info.WorkspaceID, leadID, payload.Message)
		if err != nil {
			r.writeServiceError(w, "/leads/", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":   "enviado",
			"telefone": sent.Phone,
		})
	case len(parts) == 2 && parts[1] == "estagio":
		if req.Method != http.MethodPut {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			StageID string `json:"estagioId"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
			return
		}
		moved, err := r.lead.MoveToStage(req.Context(), info.WorkspaceID, leadID, payload.StageID)
		if err != nil {
			r.writeServiceError(w, "/leads/", err)
			return
		}
		writeJSON(w, http.StatusOK, moved)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleConsulta(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for consulta", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	var payload struct {
		Kind     string `json:"tipo"`
		Document string `json:"documento"`
		Phone    string `json:"telefone"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
		return
	}
	query := payload.Document
	if payload.Kind == string(enrichment.LookupPhone) {
		query = payload.Phone
	}
	result, err := r.consulta.Lookup(req.Context(), info.WorkspaceID, enrichment.LookupKind(payload.Kind), query)
	if err != nil {
		r.writeServiceError(w, "/consulta", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fornecedor": result.Provider,
		"tipo":       string(result.Kind),
		"consulta":   result.Query,
		"dados":      result.Response,
		"restante":   result.Remaining,
	})
}

func (r *Router) handleConsultaHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for consulta history", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	history, err := r.consulta.History(req.Context(), info.WorkspaceID, limit, offset)
	if err != nil {
		r.writeServiceError(w, "/consultas", err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (r *Router) handleExtracoes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for extracao", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	var payload struct {
		FunnelID string `json:"funilId"`
		StageID  string `json:"estagioId"`
		Quantity int    `json:"quantidade"`
		Filter   struct {
			Segment string `json:"segmento"`
			City    string `json:"cidade"`
			State   string `json:"uf"`
		} `json:"filtros"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
		return
	}
	result, err := r.extraction.Extract(req.Context(), info.WorkspaceID, extraction.Input{
		FunnelID: payload.FunnelID,
		StageID:  payload.StageID,
		Quantity: payload.Quantity,
		Filter: enrichment.Filter{
			Segment: payload.Filter.Segment,
			City:    payload.Filter.City,
			State:   payload.Filter.State,
		},
	})
	if err != nil {
		r.writeServiceError(w, "/extracoes", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"solicitado": result.Requested,
		"entregue":   result.Delivered,
		"restante":   result.Remaining,
		"leadIds":    result.LeadIDs,
	})
}

func (r *Router) handleBoardWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for board websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	funnelID := req.URL.Query().Get("funil")
	if funnelID == "" {
		writeError(w, http.StatusBadRequest, codeInvalid, "funil query parameter required")
		return
	}
	if _, err := r.funnel.ListStages(req.Context(), info.WorkspaceID, funnelID); err != nil {
		r.writeServiceError(w, "/ws/board", err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.hub.SendBuffer(), r.logger)
	r.hub.Register(funnelID, client)
	go func() {
		defer func() {
			r.hub.Unregister(funnelID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleBoardSSE(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for board sse", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
		return
	}
	funnelID := req.URL.Query().Get("funil")
	if funnelID == "" {
		writeError(w, http.StatusBadRequest, codeInvalid, "funil query parameter required")
		return
	}
	if _, err := r.funnel.ListStages(req.Context(), info.WorkspaceID, funnelID); err != nil {
		r.writeServiceError(w, "/sse/board", err)
		return
	}
	client, ok := ws.NewSSEClient(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	r.hub.Register(funnelID, client)
	defer func() {
		r.hub.Unregister(funnelID, client)
		client.Close()
	}()
	select {
	case <-req.Context().Done():
	case <-client.Done():
	}
}

// handleEvolutionWebhook receives WhatsApp events from the Evolution API and
// relays them onto the board stream.
func (r *Router) handleEvolutionWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "could not read body")
		return
	}
	if !r.verifyEvolutionSignature(req.Header.Get("X-Evolution-Signature"), body) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid webhook signature")
		return
	}
	var event struct {
		FunnelID string `json:"funilId"`
		LeadID   string `json:"leadId"`
		Phone    string `json:"telefone"`
		Message  string `json:"mensagem"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "invalid JSON body")
		return
	}
	if event.FunnelID != "" && r.hub != nil {
		payload, err := json.Marshal(map[string]any{
			"evento":   "whatsapp.mensagem",
			"funil_id": event.FunnelID,
			"lead_id":  event.LeadID,
			"telefone": event.Phone,
			"mensagem": event.Message,
		})
		if err == nil {
			r.hub.Broadcast(event.FunnelID, payload)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
			if info.WorkspaceID != "" {
				fields = append(fields, "workspace_id", info.WorkspaceID)
			}
		} else if strings.HasPrefix(req.URL.Path, "/admin/") || req.URL.Path == "/workspaces" {
			actor = "service"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyServiceToken ensures operator endpoints include the shared secret.
func (r *Router) verifyServiceToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.serviceToken
	if expected == "" {
		r.logger.Error("service token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, codeInternal, "service authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Service-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("service token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid service token")
		return false
	}
	return true
}

// verifyEvolutionSignature checks the HMAC-SHA256 hex digest of the body.
func (r *Router) verifyEvolutionSignature(signature string, body []byte) bool {
	if r.evolutionSecret == "" {
		return false
	}
	signature = strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(r.evolutionSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func workspaceJSON(ws *domain.Workspace) map[string]any {
	return map[string]any{
		"id":   ws.ID,
		"nome": ws.Name,
		"plano": map[string]bool{
			"consultas": ws.Plan.ConsultaAccess,
			"extracoes": ws.Plan.ExtractionAccess,
		},
		"limiteLeads":     ws.LeadsLimit,
		"limiteConsultas": ws.ConsultasLimit,
		"criadoEm":        ws.CreatedAt,
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, codeInvalid, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, codeNotFound, "not found")
}
