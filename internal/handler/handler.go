// Package handler содержит HTTP-обработчики API сервиса инкассации.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/kioskcash-system/internal/calc"
	"github.com/mmeshcher/kioskcash-system/internal/debt"
	"github.com/mmeshcher/kioskcash-system/internal/middleware"
	"github.com/mmeshcher/kioskcash-system/internal/model"
	"github.com/mmeshcher/kioskcash-system/internal/record"
	"github.com/mmeshcher/kioskcash-system/internal/repository"
	"github.com/mmeshcher/kioskcash-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	RegisterDriver(ctx context.Context, login, password string, d model.Driver) (int64, error)
	RegisterSite(ctx context.Context, site model.Site) (int64, error)
	GetSite(ctx context.Context, id int64) (*model.Site, error)
	GetDriver(ctx context.Context, id int64) (*model.Driver, error)
	SubmitCollection(ctx context.Context, driverID int64, req service.CollectionRequest) (*record.Result, error)
	GetCollections(ctx context.Context, driverID int64, limit int) ([]model.Transaction, error)
	SyncCollections(ctx context.Context, driverID int64, ids []uuid.UUID) error
	ReviewExpense(ctx context.Context, txID uuid.UUID, approve bool) error
	SubmitSettlement(ctx context.Context, driverID int64, req service.SettlementRequest) (*model.DailySettlement, error)
	GetSettlement(ctx context.Context, id uuid.UUID) (*model.DailySettlement, error)
	GetSettlements(ctx context.Context, driverID int64, limit int) ([]model.DailySettlement, error)
	GetPendingSettlements(ctx context.Context) ([]model.DailySettlement, error)
	ConfirmSettlement(ctx context.Context, id uuid.UUID, actualCash, actualCoins *int64) (*model.DailySettlement, error)
	RejectSettlement(ctx context.Context, id uuid.UUID, note string) error
	SettlementSummary(ctx context.Context, from, to time.Time) (*model.SettlementSummary, error)
	RepaySiteDebt(ctx context.Context, siteID int64, amount int64) (int64, error)
	RepayDriverDebt(ctx context.Context, driverID int64, amount int64) (int64, error)
	GetDriverDebt(ctx context.Context, driverID int64) (*debt.Pool, error)
	Salary(ctx context.Context, driverID int64, year int, month time.Month) (*model.SalaryStatement, error)
	RecordCounterRead(ctx context.Context, driverID int64, imageURL string, siteID *int64) (*service.CounterReadHint, error)
	GetAIDiscrepancies(ctx context.Context, limit int) ([]repository.Discrepancy, error)
}

// Handler реализует HTTP-обработчики API сервиса инкассации.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID, u.Role)
	w.WriteHeader(http.StatusOK)
}

type collectionRequest struct {
	SiteID                int64    `json:"site_id"`
	ConfirmedCounterValue int64    `json:"confirmed_counter_value"`
	OracleCounterValue    *int64   `json:"oracle_counter_value,omitempty"`
	OracleConfidence      *float64 `json:"oracle_confidence,omitempty"`

	Tips        int64  `json:"tips"`
	DriverLoan  int64  `json:"driver_loan"`
	Expenses    int64  `json:"expenses"`
	ExpenseType string `json:"expense_type,omitempty"`

	OwnerRetention   int64 `json:"owner_retention"`
	IsOwnerRetaining bool  `json:"is_owner_retaining"`

	CoinExchange       int64 `json:"coin_exchange"`
	AllowNegativeFloat bool  `json:"allow_negative_float"`

	GPSLat       float64 `json:"gps_lat"`
	GPSLng       float64 `json:"gps_lng"`
	GPSDeviation float64 `json:"gps_deviation"`

	PhotoURL          string `json:"photo_url"`
	ClearancePhotoURL string `json:"clearance_photo_url,omitempty"`
	IsClearance       bool   `json:"is_clearance"`
	ReportedStatus    string `json:"reported_status,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

type deductionResponse struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

type collectionResponse struct {
	ID                   string              `json:"id"`
	RecordedAt           string              `json:"recorded_at"`
	SiteID               int64               `json:"site_id"`
	PreviousCounterValue int64               `json:"previous_counter_value"`
	CurrentCounterValue  int64               `json:"current_counter_value"`
	CoinDelta            int64               `json:"coin_delta"`
	Revenue              int64               `json:"revenue"`
	NetPayable           int64               `json:"net_payable"`
	Deductions           []deductionResponse `json:"deductions"`
	QualityScore         int                 `json:"quality_score"`
	QualityIssues        []string            `json:"quality_issues,omitempty"`
	ReviewRequired       bool                `json:"review_required"`
	IsClearance          bool                `json:"is_clearance"`
}

// SubmitCollection принимает сдачу одной инкассации от текущего водителя.
func (h *Handler) SubmitCollection(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req collectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var reportedStatus *model.SiteStatus
	if req.ReportedStatus != "" {
		st := model.SiteStatus(req.ReportedStatus)
		if st != model.SiteStatusActive && st != model.SiteStatusMaintenance && st != model.SiteStatusBroken {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		reportedStatus = &st
	}

	expenseType := model.ExpenseTypePublic
	if req.ExpenseType != "" {
		expenseType = model.ExpenseType(req.ExpenseType)
		if expenseType != model.ExpenseTypePublic && expenseType != model.ExpenseTypePrivate {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	res, err := h.service.SubmitCollection(r.Context(), driverID, service.CollectionRequest{
		SiteID:                req.SiteID,
		ConfirmedCounterValue: req.ConfirmedCounterValue,
		OracleCounterValue:    req.OracleCounterValue,
		OracleConfidence:      req.OracleConfidence,
		Tips:                  req.Tips,
		DriverLoan:            req.DriverLoan,
		Expenses:              req.Expenses,
		ExpenseType:           expenseType,
		OwnerRetention:        req.OwnerRetention,
		IsOwnerRetaining:      req.IsOwnerRetaining,
		CoinExchange:          req.CoinExchange,
		AllowNegativeFloat:    req.AllowNegativeFloat,
		GPS:                   model.GeoPoint{Lat: req.GPSLat, Lng: req.GPSLng},
		GPSDeviation:          req.GPSDeviation,
		PhotoURL:              req.PhotoURL,
		ClearancePhotoURL:     req.ClearancePhotoURL,
		IsClearance:           req.IsClearance,
		ReportedStatus:        reportedStatus,
		Notes:                 req.Notes,
	})
	if err != nil {
		h.writeCollectionError(w, err)
		return
	}

	deductions := make([]deductionResponse, 0, len(res.Deductions))
	for _, d := range res.Deductions {
		deductions = append(deductions, deductionResponse{Kind: string(d.Kind), Amount: d.Amount})
	}

	issues := make([]string, 0, len(res.Quality.Issues))
	for _, i := range res.Quality.Issues {
		issues = append(issues, string(i))
	}

	resp := collectionResponse{
		ID:                   res.Tx.ID.String(),
		RecordedAt:           res.Tx.RecordedAt.Format(time.RFC3339),
		SiteID:               res.Tx.SiteID,
		PreviousCounterValue: res.Tx.PreviousCounterValue,
		CurrentCounterValue:  res.Tx.CurrentCounterValue,
		CoinDelta:            res.Tx.CoinDelta,
		Revenue:              res.Tx.Revenue,
		NetPayable:           res.Tx.NetPayable,
		Deductions:           deductions,
		QualityScore:         res.Tx.QualityScore,
		QualityIssues:        issues,
		ReviewRequired:       res.Tx.ReviewRequired,
		IsClearance:          res.Tx.IsClearance,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode collection response", zap.Error(err))
	}
}

func (h *Handler) writeCollectionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrSiteNotFound) || errors.Is(err, repository.ErrDriverNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrCounterConflict) ||
		errors.Is(err, record.ErrNegativeCoinFloat) ||
		errors.Is(err, record.ErrSiteInactive) ||
		errors.Is(err, service.ErrDriverInactive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, record.ErrNegativeAdjustment) ||
		errors.Is(err, calc.ErrNegativeCounter) ||
		errors.Is(err, calc.ErrInvalidRate) ||
		errors.Is(err, calc.ErrInvalidCoinValue):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("submit collection error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type transactionResponse struct {
	ID                   string `json:"id"`
	RecordedAt           string `json:"recorded_at"`
	SiteID               int64  `json:"site_id"`
	PreviousCounterValue int64  `json:"previous_counter_value"`
	CurrentCounterValue  int64  `json:"current_counter_value"`
	Revenue              int64  `json:"revenue"`
	NetPayable           int64  `json:"net_payable"`
	QualityScore         int    `json:"quality_score"`
	ReviewRequired       bool   `json:"review_required"`
	IsClearance          bool   `json:"is_clearance"`
	ExpenseStatus        string `json:"expense_status,omitempty"`
	IsSynced             bool   `json:"is_synced"`
	Verified             bool   `json:"verified"`
}

// GetCollections возвращает последние транзакции текущего водителя.
func (h *Handler) GetCollections(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	txs, err := h.service.GetCollections(r.Context(), driverID, limit)
	if err != nil {
		h.logger.Error("get collections error", zap.Error(err), zap.Int64("driverID", driverID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		item := transactionResponse{
			ID:                   t.ID.String(),
			RecordedAt:           t.RecordedAt.Format(time.RFC3339),
			SiteID:               t.SiteID,
			PreviousCounterValue: t.PreviousCounterValue,
			CurrentCounterValue:  t.CurrentCounterValue,
			Revenue:              t.Revenue,
			NetPayable:           t.NetPayable,
			QualityScore:         t.QualityScore,
			ReviewRequired:       t.ReviewRequired,
			IsClearance:          t.IsClearance,
			IsSynced:             t.IsSynced,
			Verified:             record.Verify(t),
		}
		if t.ExpenseStatus != nil {
			item.ExpenseStatus = string(*t.ExpenseStatus)
		}
		resp = append(resp, item)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type syncRequest struct {
	IDs []string `json:"ids"`
}

// SyncCollections помечает транзакции текущего водителя как доставленные.
func (h *Handler) SyncCollections(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, s := range req.IDs {
		id, err := uuid.Parse(s)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	if err := h.service.SyncCollections(r.Context(), driverID, ids); err != nil {
		h.logger.Error("sync collections error", zap.Error(err), zap.Int64("driverID", driverID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type counterReadRequest struct {
	ImageURL string `json:"image_url"`
	SiteID   *int64 `json:"site_id,omitempty"`
}

// ReadCounter запрашивает у системы распознавания подсказку по снимку счётчика.
func (h *Handler) ReadCounter(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req counterReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImageURL == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	hint, err := h.service.RecordCounterRead(r.Context(), driverID, req.ImageURL, req.SiteID)
	if err != nil {
		if errors.Is(err, service.ErrVisionUnavailable) {
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		if errors.Is(err, repository.ErrSiteNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("counter read error", zap.Error(err), zap.Int64("driverID", driverID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(hint); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type settlementRequest struct {
	Date        string `json:"date"`
	ActualCash  int64  `json:"actual_cash"`
	ActualCoins int64  `json:"actual_coins"`
	Note        string `json:"note,omitempty"`
}

type settlementResponse struct {
	ID            string `json:"id"`
	DriverID      int64  `json:"driver_id"`
	Date          string `json:"date"`
	ExpectedTotal int64  `json:"expected_total"`
	ActualCash    int64  `json:"actual_cash"`
	ActualCoins   int64  `json:"actual_coins"`
	Shortage      int64  `json:"shortage"`
	Status        string `json:"status"`
	Note          string `json:"note,omitempty"`
	SubmittedAt   string `json:"submitted_at"`
	ConfirmedAt   string `json:"confirmed_at,omitempty"`
}

func toSettlementResponse(s *model.DailySettlement) settlementResponse {
	resp := settlementResponse{
		ID:            s.ID.String(),
		DriverID:      s.DriverID,
		Date:          s.Date.Format("2006-01-02"),
		ExpectedTotal: s.ExpectedTotal,
		ActualCash:    s.ActualCash,
		ActualCoins:   s.ActualCoins,
		Shortage:      s.Shortage,
		Status:        string(s.Status),
		Note:          s.Note,
		SubmittedAt:   s.SubmittedAt.Format(time.RFC3339),
	}
	if s.ConfirmedAt != nil {
		resp.ConfirmedAt = s.ConfirmedAt.Format(time.RFC3339)
	}
	return resp
}

// SubmitSettlement принимает дневную сверку наличности от текущего водителя.
func (h *Handler) SubmitSettlement(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil || req.ActualCash < 0 || req.ActualCoins < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	s, err := h.service.SubmitSettlement(r.Context(), driverID, service.SettlementRequest{
		Date:        date,
		ActualCash:  req.ActualCash,
		ActualCoins: req.ActualCoins,
		Note:        req.Note,
	})
	if err != nil {
		if errors.Is(err, repository.ErrSettlementConfirmed) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("submit settlement error", zap.Error(err), zap.Int64("driverID", driverID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toSettlementResponse(s)); err != nil {
		h.logger.Error("encode settlement response", zap.Error(err))
	}
}

// GetSettlements возвращает сверки текущего водителя.
func (h *Handler) GetSettlements(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	settlements, err := h.service.GetSettlements(r.Context(), driverID, limit)
	if err != nil {
		h.logger.Error("get settlements error", zap.Error(err), zap.Int64("driverID", driverID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(settlements) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]settlementResponse, 0, len(settlements))
	for i := range settlements {
		resp = append(resp, toSettlementResponse(&settlements[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type debtResponse struct {
	Initial   int64 `json:"initial"`
	Remaining int64 `json:"remaining"`
	Repaid    int64 `json:"repaid"`
}

// GetDebt возвращает состояние пула долга текущего водителя.
func (h *Handler) GetDebt(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	pool, err := h.service.GetDriverDebt(r.Context(), driverID)
	if err != nil {
		h.logger.Error("get debt error", zap.Error(err), zap.Int64("driverID", driverID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(debtResponse{
		Initial:   pool.Initial,
		Remaining: pool.Remaining,
		Repaid:    pool.Initial - pool.Remaining,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
