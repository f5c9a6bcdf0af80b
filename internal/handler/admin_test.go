package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/kioskcash-system/internal/debt"
	"github.com/mmeshcher/kioskcash-system/internal/model"
	"github.com/mmeshcher/kioskcash-system/internal/repository"
)

func adminCookie(h *Handler, id int64) *http.Cookie {
	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, id, model.RoleAdmin)
	return rec.Result().Cookies()[0]
}

func TestAdminRoutes_ForbiddenForDriver(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/settlements", nil)
	req.AddCookie(driverCookie(h, 7))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestConfirmSettlement_OK(t *testing.T) {
	id := uuid.New()
	now := time.Now().UTC()
	svc := &stubService{
		confirmResult: &model.DailySettlement{
			ID:          id,
			DriverID:    7,
			Date:        time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
			Status:      model.SettlementStatusConfirmed,
			SubmittedAt: now,
			ConfirmedAt: &now,
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/settlements/"+id.String()+"/confirm", nil)
	req.AddCookie(adminCookie(h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp settlementResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(model.SettlementStatusConfirmed) {
		t.Fatalf("status = %q, want confirmed", resp.Status)
	}
	if resp.ConfirmedAt == "" {
		t.Fatalf("confirmed_at must be set")
	}
}

func TestConfirmSettlement_NotPending(t *testing.T) {
	svc := &stubService{confirmErr: repository.ErrSettlementNotPending}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/settlements/"+uuid.NewString()+"/confirm", nil)
	req.AddCookie(adminCookie(h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestConfirmSettlement_NegativeOverride(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	for _, body := range []string{
		`{"actual_cash": -1000}`,
		`{"actual_coins": -5}`,
	} {
		req := httptest.NewRequest(http.MethodPost,
			"/api/admin/settlements/"+uuid.NewString()+"/confirm",
			bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(adminCookie(h, 1))
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		if rec.Result().StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want %d", body, rec.Result().StatusCode, http.StatusBadRequest)
		}
	}
}

func TestRejectSettlement_BadID(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/settlements/not-a-uuid/reject", nil)
	req.AddCookie(adminCookie(h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestRepayDebt_RequiresSingleTarget(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	siteID := int64(1)
	driverID := int64(2)
	body, _ := json.Marshal(repayDebtRequest{SiteID: &siteID, DriverID: &driverID, Amount: 1000})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/debts/repay", bytes.NewReader(body))
	req.AddCookie(adminCookie(h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestRepayDebt_OverpaymentConflict(t *testing.T) {
	svc := &stubService{repayErr: debt.ErrOverpayment}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	siteID := int64(1)
	body, _ := json.Marshal(repayDebtRequest{SiteID: &siteID, Amount: 9999999})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/debts/repay", bytes.NewReader(body))
	req.AddCookie(adminCookie(h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestReviewExpense_NotPending(t *testing.T) {
	svc := &stubService{reviewErr: repository.ErrExpenseNotPending}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(reviewExpenseRequest{Approve: true})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/expenses/"+uuid.NewString()+"/review", bytes.NewReader(body))
	req.AddCookie(adminCookie(h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestGetAIDiscrepancies_ReportsDivergentReads(t *testing.T) {
	svc := &stubService{
		discrepancies: []repository.Discrepancy{
			{
				TransactionID:  uuid.New(),
				SiteID:         11,
				DriverID:       7,
				CandidateValue: 9150,
				ConfirmedValue: 9100,
				RecordedAt:     time.Now().UTC(),
			},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/ai-discrepancies", nil)
	req.AddCookie(adminCookie(h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp []repository.Discrepancy
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].CandidateValue != 9150 || resp[0].ConfirmedValue != 9100 {
		t.Fatalf("discrepancy payload = %+v", resp)
	}
}

func TestGetSalary_BadMonth(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/drivers/7/salary?month=March", nil)
	req.AddCookie(adminCookie(h, 1))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}
