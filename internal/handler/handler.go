// Package handler содержит HTTP-обработчики API сервиса распределения пожертвований.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/donation-ledger/internal/amount"
	"github.com/mmeshcher/donation-ledger/internal/metrics"
	"github.com/mmeshcher/donation-ledger/internal/middleware"
	"github.com/mmeshcher/donation-ledger/internal/model"
	"github.com/mmeshcher/donation-ledger/internal/reconcile"
	"github.com/mmeshcher/donation-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, r service.Registration) (model.User, error)
	AuthenticateUser(ctx context.Context, login, password string) (model.User, error)
	User(ctx context.Context, id string) (model.User, error)
	RequireRole(ctx context.Context, callerID string, roles ...model.Role) (model.User, error)

	CreateCampaign(ctx context.Context, callerID, title, description string, goal int64) (model.Campaign, error)
	DeactivateCampaign(ctx context.Context, callerID string, campaignID int64) error
	ActiveCampaigns(ctx context.Context) iter.Seq2[model.Campaign, error]
	CampaignsByOwner(ctx context.Context, ownerID string) iter.Seq2[model.Campaign, error]

	RecordDonation(ctx context.Context, callerID string, campaignID int64, amount int64) (model.Donation, error)
	AvailableBalance(ctx context.Context, donationID int64) (int64, error)
	DonationsForDonor(ctx context.Context, donorID string) iter.Seq2[model.Donation, error]

	SubmitApplication(ctx context.Context, callerID string, req service.ApplicationRequest) (model.Application, error)
	ApproveApplication(ctx context.Context, callerID, applicationID string) (model.Application, error)
	RejectApplication(ctx context.Context, callerID, applicationID string) (model.Application, error)
	ApplicationsFor(ctx context.Context, callerID string, status model.ApplicationStatus) ([]model.Application, error)

	Distribute(ctx context.Context, callerID string, req service.DistributionRequest) (model.Distribution, error)

	ApprovedNGOs(ctx context.Context) ([]model.User, error)
	PendingNGOs(ctx context.Context, callerID string) ([]model.User, error)
	PromoteToNGO(ctx context.Context, callerID, userID string) (model.User, error)

	View(ctx context.Context, scope service.Scope) (reconcile.View, error)
	CampaignView(ctx context.Context, callerID string, campaignID int64) (reconcile.View, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	amounts        amount.Converter
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
}

// Option настраивает Handler.
type Option func(*Handler)

// WithMetrics включает учёт HTTP-запросов и маршрут /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.metrics = m
		h.gatherer = g
	}
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, amounts amount.Converter, opts ...Option) *Handler {
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		amounts:        amounts,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// statusFor сопоставляет ошибку предметной области HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, amount.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrRoleDenied):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUserExists),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrCampaignInactive):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrInvalidAddress),
		errors.Is(err, model.ErrApplicationNotApproved):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}

func decodeJSON(r *http.Request, v any) bool {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return userID, ok
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

type registerRequest struct {
	Login         string     `json:"login"`
	Password      string     `json:"password"`
	FullName      string     `json:"full_name"`
	Role          model.Role `json:"role"`
	WalletAddress string     `json:"wallet_address"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.RegisterUser(r.Context(), service.Registration{
		Login:         req.Login,
		Password:      req.Password,
		FullName:      req.FullName,
		Role:          req.Role,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		h.writeError(w, err, "register user error", zap.String("login", req.Login))
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID)
	h.writeJSON(w, http.StatusOK, newUserResponse(u))
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.writeError(w, err, "login user error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID)
	h.writeJSON(w, http.StatusOK, newUserResponse(u))
}

// Me возвращает профиль текущего пользователя.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	u, err := h.service.User(r.Context(), userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.writeError(w, err, "get user error", zap.String("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusOK, newUserResponse(u))
}

type campaignRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Goal        string `json:"goal"`
}

// CreateCampaign создаёт кампанию от имени NGO.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req campaignRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	goal, err := h.amounts.Parse(req.Goal)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.CreateCampaign(r.Context(), userID, req.Title, req.Description, goal)
	if err != nil {
		h.writeError(w, err, "create campaign error", zap.String("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusCreated, newCampaignResponse(c, h.amounts))
}

// ListCampaigns возвращает активные кампании или кампании владельца из параметра owner.
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	var seq iter.Seq2[model.Campaign, error]
	if owner := r.URL.Query().Get("owner"); owner != "" {
		seq = h.service.CampaignsByOwner(r.Context(), owner)
	} else {
		seq = h.service.ActiveCampaigns(r.Context())
	}

	var resp []campaignResponse
	for c, err := range seq {
		if err != nil {
			h.writeError(w, err, "list campaigns error")
			return
		}
		resp = append(resp, newCampaignResponse(c, h.amounts))
	}

	if len(resp) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// DeactivateCampaign деактивирует кампанию. Доступно администратору.
func (h *Handler) DeactivateCampaign(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.DeactivateCampaign(r.Context(), userID, id); err != nil {
		h.writeError(w, err, "deactivate campaign error", zap.Int64("campaignID", id))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CampaignView возвращает представление сверки по кампании. Доступно владельцу кампании и администратору.
func (h *Handler) CampaignView(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}

	v, err := h.service.CampaignView(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, err, "campaign view error", zap.Int64("campaignID", id), zap.String("userID", userID))
		return
	}
	h.writeJSON(w, http.StatusOK, newViewResponse(v, h.amounts))
}

// DonorView возвращает представление сверки по пожертвованиям текущего пользователя.
func (h *Handler) DonorView(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	h.view(w, r, service.DonorScope(userID))
}

// NGOView возвращает представление сверки по кампаниям и заявкам текущей NGO.
func (h *Handler) NGOView(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.RequireRole(r.Context(), userID, model.RoleNGO); err != nil {
		h.writeError(w, err, "ngo view error", zap.String("userID", userID))
		return
	}
	h.view(w, r, service.NGOScope(userID))
}

func (h *Handler) view(w http.ResponseWriter, r *http.Request, scope service.Scope) {
	v, err := h.service.View(r.Context(), scope)
	if err != nil {
		h.writeError(w, err, "build view error")
		return
	}
	h.writeJSON(w, http.StatusOK, newViewResponse(v, h.amounts))
}

type donationRequest struct {
	Amount string `json:"amount"`
}

// Donate записывает пожертвование текущего пользователя в кампанию.
func (h *Handler) Donate(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	campaignID, ok := int64Param(w, r, "id")
	if !ok {
		return
	}

	var req donationRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	sum, err := h.amounts.Parse(req.Amount)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.RecordDonation(r.Context(), userID, campaignID, sum)
	if err != nil {
		h.writeError(w, err, "record donation error", zap.String("userID", userID), zap.Int64("campaignID", campaignID))
		return
	}

	h.writeJSON(w, http.StatusCreated, newDonationResponse(d, h.amounts))
}

// ListDonations возвращает пожертвования текущего пользователя.
func (h *Handler) ListDonations(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var resp []donationResponse
	for d, err := range h.service.DonationsForDonor(r.Context(), userID) {
		if err != nil {
			h.writeError(w, err, "list donations error", zap.String("userID", userID))
			return
		}
		resp = append(resp, newDonationResponse(d, h.amounts))
	}

	if len(resp) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Balance возвращает доступный остаток пожертвования.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}

	available, err := h.service.AvailableBalance(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "get balance error", zap.Int64("donationID", id))
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{
		DonationID: id,
		Available:  h.amounts.Format(available),
	})
}

type applicationRequest struct {
	NGOID  string `json:"ngo_id"`
	Title  string `json:"title"`
	Story  string `json:"story"`
	Wallet string `json:"wallet"`
}

// SubmitApplication создаёт заявку бенефициара.
func (h *Handler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req applicationRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	a, err := h.service.SubmitApplication(r.Context(), userID, service.ApplicationRequest{
		NGOID:  req.NGOID,
		Title:  req.Title,
		Story:  req.Story,
		Wallet: req.Wallet,
	})
	if err != nil {
		h.writeError(w, err, "submit application error", zap.String("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusCreated, a)
}

// ListApplications возвращает заявки текущего пользователя. NGO может фильтровать по status.
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	status := model.ApplicationStatus(r.URL.Query().Get("status"))
	apps, err := h.service.ApplicationsFor(r.Context(), userID, status)
	if err != nil {
		h.writeError(w, err, "list applications error", zap.String("userID", userID))
		return
	}

	if len(apps) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, apps)
}

// ApproveApplication одобряет заявку.
func (h *Handler) ApproveApplication(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.ApproveApplication)
}

// RejectApplication отклоняет заявку.
func (h *Handler) RejectApplication(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.RejectApplication)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, callerID, applicationID string) (model.Application, error)) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	a, err := decide(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, err, "decide application error", zap.String("applicationID", id))
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

type distributionRequest struct {
	DonationID    int64  `json:"donation_id"`
	ApplicationID string `json:"application_id"`
	Amount        string `json:"amount"`
}

// Distribute переводит часть пожертвования по одобренной заявке.
// Если распределение записано в реестр, но заявка ещё не обновлена, возвращается 202.
func (h *Handler) Distribute(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req distributionRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	sum, err := h.amounts.Parse(req.Amount)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	dist, err := h.service.Distribute(r.Context(), userID, service.DistributionRequest{
		DonationID:    req.DonationID,
		ApplicationID: req.ApplicationID,
		Amount:        sum,
	})
	if err != nil {
		if dist.ID != 0 && errors.Is(err, model.ErrReconciliationMismatch) {
			h.logger.Warn("distribution recorded, projection pending",
				zap.Int64("distributionID", dist.ID),
				zap.Error(err),
			)
			h.writeJSON(w, http.StatusAccepted, newDistributionResponse(dist, h.amounts))
			return
		}
		h.writeError(w, err, "distribute error",
			zap.String("userID", userID),
			zap.Int64("donationID", req.DonationID),
			zap.String("applicationID", req.ApplicationID),
		)
		return
	}

	h.writeJSON(w, http.StatusCreated, newDistributionResponse(dist, h.amounts))
}

// ApprovedNGOs возвращает список одобренных NGO.
func (h *Handler) ApprovedNGOs(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ApprovedNGOs(r.Context())
	if err != nil {
		h.writeError(w, err, "list ngos error")
		return
	}
	if len(users) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, newUserResponses(users))
}

// PendingNGOs возвращает NGO, ожидающие одобрения. Доступно администратору.
func (h *Handler) PendingNGOs(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	users, err := h.service.PendingNGOs(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "list pending ngos error")
		return
	}
	if len(users) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, newUserResponses(users))
}

// PromoteNGO выдаёт пользователю роль NGO. Доступно администратору.
func (h *Handler) PromoteNGO(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	u, err := h.service.PromoteToNGO(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, err, "promote ngo error", zap.String("targetID", id))
		return
	}
	h.writeJSON(w, http.StatusOK, newUserResponse(u))
}
