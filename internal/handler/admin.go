package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/kioskcash-system/internal/debt"
	"github.com/mmeshcher/kioskcash-system/internal/model"
	"github.com/mmeshcher/kioskcash-system/internal/repository"
	"github.com/mmeshcher/kioskcash-system/internal/validation"
)

type createSiteRequest struct {
	Name           string  `json:"name"`
	MachineID      string  `json:"machine_id"`
	Area           string  `json:"area,omitempty"`
	OwnerName      string  `json:"owner_name,omitempty"`
	DriverID       *int64  `json:"driver_id,omitempty"`
	InitialCounter int64   `json:"initial_counter"`
	CommissionRate string  `json:"commission_rate,omitempty"`
	StartupDebt    int64   `json:"startup_debt"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
}

// CreateSite регистрирует новую точку с автоматом.
func (h *Handler) CreateSite(w http.ResponseWriter, r *http.Request) {
	var req createSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Name == "" || !validation.IsValidMachineID(req.MachineID) ||
		req.InitialCounter < 0 || req.StartupDebt < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var rate decimal.Decimal
	if req.CommissionRate != "" {
		var err error
		rate, err = decimal.NewFromString(req.CommissionRate)
		if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	id, err := h.service.RegisterSite(r.Context(), model.Site{
		Name:               req.Name,
		MachineID:          req.MachineID,
		Area:               req.Area,
		OwnerName:          req.OwnerName,
		AssignedDriverID:   req.DriverID,
		LastCounterValue:   req.InitialCounter,
		CommissionRate:     rate,
		StartupDebtInitial: req.StartupDebt,
		Lat:                req.Lat,
		Lng:                req.Lng,
	})
	if err != nil {
		if errors.Is(err, repository.ErrSiteExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("create site error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int64{"id": id})
}

type siteResponse struct {
	ID                   int64   `json:"id"`
	Name                 string  `json:"name"`
	MachineID            string  `json:"machine_id"`
	Area                 string  `json:"area,omitempty"`
	OwnerName            string  `json:"owner_name,omitempty"`
	DriverID             *int64  `json:"driver_id,omitempty"`
	LastCounterValue     int64   `json:"last_counter_value"`
	CommissionRate       string  `json:"commission_rate"`
	StartupDebtInitial   int64   `json:"startup_debt_initial"`
	StartupDebtRemaining int64   `json:"startup_debt_remaining"`
	Lat                  float64 `json:"lat"`
	Lng                  float64 `json:"lng"`
	Status               string  `json:"status"`
}

// GetSite возвращает точку по идентификатору.
func (h *Handler) GetSite(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	site, err := h.service.GetSite(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrSiteNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get site error", zap.Error(err), zap.Int64("siteID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(siteResponse{
		ID:                   site.ID,
		Name:                 site.Name,
		MachineID:            site.MachineID,
		Area:                 site.Area,
		OwnerName:            site.OwnerName,
		DriverID:             site.AssignedDriverID,
		LastCounterValue:     site.LastCounterValue,
		CommissionRate:       site.CommissionRate.String(),
		StartupDebtInitial:   site.StartupDebtInitial,
		StartupDebtRemaining: site.StartupDebtRemaining,
		Lat:                  site.Lat,
		Lng:                  site.Lng,
		Status:               string(site.Status),
	})
}

type createDriverRequest struct {
	Login          string `json:"login"`
	Password       string `json:"password"`
	Name           string `json:"name"`
	Phone          string `json:"phone,omitempty"`
	VehicleModel   string `json:"vehicle_model,omitempty"`
	VehiclePlate   string `json:"vehicle_plate,omitempty"`
	BaseSalary     int64  `json:"base_salary"`
	CommissionRate string `json:"commission_rate,omitempty"`
	InitialDebt    int64  `json:"initial_debt"`
}

// CreateDriver регистрирует нового водителя-инкассатора.
func (h *Handler) CreateDriver(w http.ResponseWriter, r *http.Request) {
	var req createDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" || req.Name == "" ||
		req.BaseSalary < 0 || req.InitialDebt < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var rate decimal.Decimal
	if req.CommissionRate != "" {
		var err error
		rate, err = decimal.NewFromString(req.CommissionRate)
		if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	id, err := h.service.RegisterDriver(r.Context(), req.Login, req.Password, model.Driver{
		Name:           req.Name,
		Phone:          req.Phone,
		VehicleModel:   req.VehicleModel,
		VehiclePlate:   req.VehiclePlate,
		BaseSalary:     req.BaseSalary,
		CommissionRate: rate,
		DebtInitial:    req.InitialDebt,
		DebtRemaining:  req.InitialDebt,
	})
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("create driver error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int64{"id": id})
}

type driverResponse struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	Phone               string `json:"phone,omitempty"`
	VehicleModel        string `json:"vehicle_model,omitempty"`
	VehiclePlate        string `json:"vehicle_plate,omitempty"`
	FloatingCoinBalance int64  `json:"floating_coin_balance"`
	DebtInitial         int64  `json:"debt_initial"`
	DebtRemaining       int64  `json:"debt_remaining"`
	BaseSalary          int64  `json:"base_salary"`
	CommissionRate      string `json:"commission_rate"`
	Status              string `json:"status"`
}

// GetDriver возвращает профиль водителя.
func (h *Handler) GetDriver(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.GetDriver(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrDriverNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get driver error", zap.Error(err), zap.Int64("driverID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(driverResponse{
		ID:                  d.ID,
		Name:                d.Name,
		Phone:               d.Phone,
		VehicleModel:        d.VehicleModel,
		VehiclePlate:        d.VehiclePlate,
		FloatingCoinBalance: d.FloatingCoinBalance,
		DebtInitial:         d.DebtInitial,
		DebtRemaining:       d.DebtRemaining,
		BaseSalary:          d.BaseSalary,
		CommissionRate:      d.CommissionRate.String(),
		Status:              string(d.Status),
	})
}

// GetPendingSettlements возвращает очередь сверок на рассмотрении.
func (h *Handler) GetPendingSettlements(w http.ResponseWriter, r *http.Request) {
	settlements, err := h.service.GetPendingSettlements(r.Context())
	if err != nil {
		h.logger.Error("get pending settlements error", zap.Error(err))
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

// GetSettlement возвращает одну сверку по идентификатору.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	s, err := h.service.GetSettlement(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrSettlementNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get settlement error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toSettlementResponse(s))
}

type confirmSettlementRequest struct {
	ActualCash  *int64 `json:"actual_cash,omitempty"`
	ActualCoins *int64 `json:"actual_coins,omitempty"`
}

// ConfirmSettlement подтверждает сверку, опционально перезаписывая фактические суммы.
func (h *Handler) ConfirmSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req confirmSettlementRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}
	// Суммы переопределяются администратором, но остаются суммами:
	// отрицательный остаток монет из них получиться не должен.
	if (req.ActualCash != nil && *req.ActualCash < 0) || (req.ActualCoins != nil && *req.ActualCoins < 0) {
		http.Error(w, "actual amounts must be non-negative", http.StatusBadRequest)
		return
	}

	s, err := h.service.ConfirmSettlement(r.Context(), id, req.ActualCash, req.ActualCoins)
	if err != nil {
		h.writeSettlementError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toSettlementResponse(s)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type rejectSettlementRequest struct {
	Note string `json:"note,omitempty"`
}

// RejectSettlement возвращает сверку водителю на пересдачу.
func (h *Handler) RejectSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req rejectSettlementRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	if err := h.service.RejectSettlement(r.Context(), id, req.Note); err != nil {
		h.writeSettlementError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrSettlementNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrSettlementNotPending):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("settlement transition error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// GetSettlementSummary возвращает агрегат подтверждённых сверок за период.
func (h *Handler) GetSettlementSummary(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse("2006-01-02", r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	to, err := time.Parse("2006-01-02", r.URL.Query().Get("to"))
	if err != nil || to.Before(from) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sum, err := h.service.SettlementSummary(r.Context(), from, to)
	if err != nil {
		h.logger.Error("settlement summary error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sum); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type repayDebtRequest struct {
	SiteID   *int64 `json:"site_id,omitempty"`
	DriverID *int64 `json:"driver_id,omitempty"`
	Amount   int64  `json:"amount"`
}

// RepayDebt выполняет разовое погашение долга точки либо водителя.
func (h *Handler) RepayDebt(w http.ResponseWriter, r *http.Request) {
	var req repayDebtRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if (req.SiteID == nil) == (req.DriverID == nil) {
		http.Error(w, "exactly one of site_id or driver_id is required", http.StatusBadRequest)
		return
	}

	var remaining int64
	var err error
	if req.SiteID != nil {
		remaining, err = h.service.RepaySiteDebt(r.Context(), *req.SiteID, req.Amount)
	} else {
		remaining, err = h.service.RepayDriverDebt(r.Context(), *req.DriverID, req.Amount)
	}
	if err != nil {
		switch {
		case errors.Is(err, debt.ErrInvalidAmount):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, debt.ErrOverpayment):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, repository.ErrSiteNotFound) || errors.Is(err, repository.ErrDriverNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("repay debt error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"remaining": remaining})
}

type reviewExpenseRequest struct {
	Approve bool `json:"approve"`
}

// ReviewExpense согласует или отклоняет ожидающий расход.
func (h *Handler) ReviewExpense(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req reviewExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ReviewExpense(r.Context(), id, req.Approve); err != nil {
		switch {
		case errors.Is(err, repository.ErrTransactionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrExpenseNotPending):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("review expense error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetSalary формирует расчётный листок водителя за месяц вида YYYY-MM.
func (h *Handler) GetSalary(w http.ResponseWriter, r *http.Request) {
	driverID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	month, err := time.Parse("2006-01", r.URL.Query().Get("month"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	statement, err := h.service.Salary(r.Context(), driverID, month.Year(), month.Month())
	if err != nil {
		if errors.Is(err, repository.ErrDriverNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("salary error", zap.Error(err), zap.Int64("driverID", driverID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statement); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetAIDiscrepancies возвращает расхождения распознанных и подтверждённых показаний.
func (h *Handler) GetAIDiscrepancies(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.service.GetAIDiscrepancies(r.Context(), limit)
	if err != nil {
		h.logger.Error("ai discrepancies error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
