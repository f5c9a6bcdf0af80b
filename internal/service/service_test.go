package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/kioskcash-system/internal/model"
	"github.com/mmeshcher/kioskcash-system/internal/repository"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("driver", "pass")
	b := hashPassword("driver", "pass")
	c := hashPassword("driver", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

type stubRepo struct {
	driver    *model.Driver
	driverErr error

	site    *model.Site
	siteErr error

	appliedTx   *model.Transaction
	appliedPlan *repository.CollectionPlan
	applyErr    error

	user    *model.User
	userErr error

	dayTotal    int64
	dayTotalErr error

	upserted    *model.DailySettlement
	upsertErr   error
	gotUpserted model.DailySettlement

	monthlyRevenue int64
	monthlyCount   int

	aiLog *model.AILog
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) CreateDriver(ctx context.Context, login string, passwordHash []byte, d model.Driver) (int64, error) {
	return 2, nil
}

func (s *stubRepo) GetDriver(ctx context.Context, id int64) (*model.Driver, error) {
	return s.driver, s.driverErr
}

func (s *stubRepo) CreateSite(ctx context.Context, site model.Site) (int64, error) {
	return 3, nil
}

func (s *stubRepo) GetSite(ctx context.Context, id int64) (*model.Site, error) {
	return s.site, s.siteErr
}

func (s *stubRepo) ApplyCollection(ctx context.Context, txn model.Transaction, plan repository.CollectionPlan) error {
	s.appliedTx = &txn
	s.appliedPlan = &plan
	return s.applyErr
}

func (s *stubRepo) GetTransactionsByDriver(ctx context.Context, driverID int64, limit int) ([]model.Transaction, error) {
	return nil, nil
}

func (s *stubRepo) MarkTransactionsSynced(ctx context.Context, driverID int64, ids []uuid.UUID) error {
	return nil
}

func (s *stubRepo) ReviewExpense(ctx context.Context, txID uuid.UUID, status model.ExpenseStatus) error {
	return nil
}

func (s *stubRepo) DayNetPayable(ctx context.Context, driverID int64, date time.Time) (int64, error) {
	return s.dayTotal, s.dayTotalErr
}

func (s *stubRepo) UpsertPendingSettlement(ctx context.Context, st model.DailySettlement) (*model.DailySettlement, error) {
	s.gotUpserted = st
	if s.upserted != nil {
		return s.upserted, s.upsertErr
	}
	return &st, s.upsertErr
}

func (s *stubRepo) GetSettlement(ctx context.Context, id uuid.UUID) (*model.DailySettlement, error) {
	return nil, repository.ErrSettlementNotFound
}

func (s *stubRepo) GetSettlementsByDriver(ctx context.Context, driverID int64, limit int) ([]model.DailySettlement, error) {
	return nil, nil
}

func (s *stubRepo) GetPendingSettlements(ctx context.Context) ([]model.DailySettlement, error) {
	return nil, nil
}

func (s *stubRepo) ConfirmSettlement(ctx context.Context, id uuid.UUID, actualCash, actualCoins *int64, now time.Time) (*model.DailySettlement, error) {
	return nil, repository.ErrSettlementNotFound
}

func (s *stubRepo) RejectSettlement(ctx context.Context, id uuid.UUID, note string) error {
	return nil
}

func (s *stubRepo) SettlementSummary(ctx context.Context, from, to time.Time) (*model.SettlementSummary, error) {
	return &model.SettlementSummary{}, nil
}

func (s *stubRepo) RepaySiteDebt(ctx context.Context, siteID int64, amount int64) (int64, error) {
	return 0, nil
}

func (s *stubRepo) RepayDriverDebt(ctx context.Context, driverID int64, amount int64) (int64, error) {
	return 0, nil
}

func (s *stubRepo) MonthlyDriverRevenue(ctx context.Context, driverID int64, year int, month time.Month) (int64, int, error) {
	return s.monthlyRevenue, s.monthlyCount, nil
}

func (s *stubRepo) InsertAILog(ctx context.Context, l model.AILog) error {
	s.aiLog = &l
	return nil
}

func (s *stubRepo) GetAIDiscrepancies(ctx context.Context, limit int) ([]repository.Discrepancy, error) {
	return nil, nil
}

func activeDriver() *model.Driver {
	return &model.Driver{
		ID:                  7,
		Name:                "Juma",
		FloatingCoinBalance: 40,
		DebtRemaining:       100000,
		DebtInitial:         200000,
		BaseSalary:          300000,
		CommissionRate:      decimal.NewFromFloat(0.05),
		Status:              model.DriverStatusActive,
	}
}

func activeSite() *model.Site {
	return &model.Site{
		ID:                   11,
		MachineID:            "VM-0001",
		LastCounterValue:     1000,
		CommissionRate:       decimal.NewFromFloat(0.15),
		StartupDebtRemaining: 500000,
		StartupDebtInitial:   500000,
		Status:               model.SiteStatusActive,
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	repo := &stubRepo{
		user: &model.User{
			ID:           1,
			Login:        "driver",
			PasswordHash: hashPassword("driver", "correct"),
			Role:         model.RoleDriver,
		},
	}
	svc := NewService(repo, nil, Policy{})

	_, err := svc.AuthenticateUser(context.Background(), "driver", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateUser_UnknownLoginHidesReason(t *testing.T) {
	repo := &stubRepo{userErr: repository.ErrUserNotFound}
	svc := NewService(repo, nil, Policy{})

	_, err := svc.AuthenticateUser(context.Background(), "ghost", "pass")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSubmitCollection_AppliesPlan(t *testing.T) {
	repo := &stubRepo{driver: activeDriver(), site: activeSite()}
	svc := NewService(repo, nil, Policy{CoinUnitValue: 200, DebtRecoveryRate: 0.10})

	res, err := svc.SubmitCollection(context.Background(), 7, CollectionRequest{
		SiteID:                11,
		ConfirmedCounterValue: 1100,
	})
	if err != nil {
		t.Fatalf("SubmitCollection error: %v", err)
	}

	// 100 монет по 200 = 20000. Комиссия 3000, возврат долга 2000.
	if res.Tx.Revenue != 20000 {
		t.Fatalf("Revenue = %d, want 20000", res.Tx.Revenue)
	}
	if repo.appliedPlan == nil {
		t.Fatalf("plan was not applied")
	}
	if repo.appliedPlan.SiteDebtDeduction != 2000 {
		t.Fatalf("SiteDebtDeduction = %d, want 2000", repo.appliedPlan.SiteDebtDeduction)
	}
	if repo.appliedPlan.FloatDelta != 100 {
		t.Fatalf("FloatDelta = %d, want 100", repo.appliedPlan.FloatDelta)
	}
	if repo.appliedTx == nil || repo.appliedTx.SiteID != 11 {
		t.Fatalf("transaction was not stored with site id")
	}
}

func TestSubmitCollection_KeepsDivergentOracleValue(t *testing.T) {
	repo := &stubRepo{driver: activeDriver(), site: activeSite()}
	svc := NewService(repo, nil, Policy{CoinUnitValue: 200, DebtRecoveryRate: 0.10})

	candidate := int64(1150)
	confidence := 0.91
	_, err := svc.SubmitCollection(context.Background(), 7, CollectionRequest{
		SiteID:                11,
		ConfirmedCounterValue: 1100,
		OracleCounterValue:    &candidate,
		OracleConfidence:      &confidence,
	})
	if err != nil {
		t.Fatalf("SubmitCollection error: %v", err)
	}

	// Расхождение между распознанным и подтверждённым значением должно
	// сохраниться на транзакции: по нему строится отчёт для администратора.
	if repo.appliedTx == nil || repo.appliedTx.OracleCounterValue == nil {
		t.Fatalf("oracle candidate was not stored on the transaction")
	}
	if *repo.appliedTx.OracleCounterValue != 1150 {
		t.Fatalf("OracleCounterValue = %d, want 1150", *repo.appliedTx.OracleCounterValue)
	}
	if *repo.appliedTx.OracleCounterValue == repo.appliedTx.CurrentCounterValue {
		t.Fatalf("expected divergent oracle value, got equal %d", repo.appliedTx.CurrentCounterValue)
	}
}

func TestSubmitCollection_InactiveDriver(t *testing.T) {
	d := activeDriver()
	d.Status = model.DriverStatusInactive
	repo := &stubRepo{driver: d, site: activeSite()}
	svc := NewService(repo, nil, Policy{})

	_, err := svc.SubmitCollection(context.Background(), 7, CollectionRequest{SiteID: 11, ConfirmedCounterValue: 1100})
	if !errors.Is(err, ErrDriverInactive) {
		t.Fatalf("expected ErrDriverInactive, got %v", err)
	}
}

func TestSubmitCollection_PropagatesCounterConflict(t *testing.T) {
	repo := &stubRepo{driver: activeDriver(), site: activeSite(), applyErr: repository.ErrCounterConflict}
	svc := NewService(repo, nil, Policy{})

	_, err := svc.SubmitCollection(context.Background(), 7, CollectionRequest{SiteID: 11, ConfirmedCounterValue: 1100})
	if !errors.Is(err, repository.ErrCounterConflict) {
		t.Fatalf("expected ErrCounterConflict, got %v", err)
	}
}

func TestSubmitSettlement_ExpectedIncludesFloat(t *testing.T) {
	repo := &stubRepo{driver: activeDriver(), dayTotal: 55000}
	svc := NewService(repo, nil, Policy{})

	res, err := svc.SubmitSettlement(context.Background(), 7, SettlementRequest{
		Date:        time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		ActualCash:  50000,
		ActualCoins: 40,
	})
	if err != nil {
		t.Fatalf("SubmitSettlement error: %v", err)
	}

	wantExpected := int64(55000 + 40)
	if res.ExpectedTotal != wantExpected {
		t.Fatalf("ExpectedTotal = %d, want %d", res.ExpectedTotal, wantExpected)
	}
	if res.Shortage != 50000+40-wantExpected {
		t.Fatalf("Shortage = %d, want %d", res.Shortage, 50000+40-wantExpected)
	}
}

func TestSubmitSettlement_ConfirmedDayRejected(t *testing.T) {
	repo := &stubRepo{driver: activeDriver(), upsertErr: repository.ErrSettlementConfirmed}
	svc := NewService(repo, nil, Policy{})

	_, err := svc.SubmitSettlement(context.Background(), 7, SettlementRequest{
		Date: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, repository.ErrSettlementConfirmed) {
		t.Fatalf("expected ErrSettlementConfirmed, got %v", err)
	}
}

func TestSalary_DeductionCapped(t *testing.T) {
	repo := &stubRepo{
		driver:         activeDriver(),
		monthlyRevenue: 1000000,
		monthlyCount:   20,
	}
	svc := NewService(repo, nil, Policy{})

	st, err := svc.Salary(context.Background(), 7, 2026, time.March)
	if err != nil {
		t.Fatalf("Salary error: %v", err)
	}

	// Комиссия 5% от 1000000 = 50000. Потолок вычета 20% от (300000+50000) = 70000,
	// долг 100000 больше потолка, удерживается 70000.
	if st.Commission != 50000 {
		t.Fatalf("Commission = %d, want 50000", st.Commission)
	}
	if st.DebtDeduction != 70000 {
		t.Fatalf("DebtDeduction = %d, want 70000", st.DebtDeduction)
	}
	if st.Total != 300000+50000-70000 {
		t.Fatalf("Total = %d, want %d", st.Total, 300000+50000-70000)
	}
	if st.Month != "2026-03" {
		t.Fatalf("Month = %q, want 2026-03", st.Month)
	}
}

func TestRecordCounterRead_NoClient(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, Policy{})

	_, err := svc.RecordCounterRead(context.Background(), 7, "http://img", nil)
	if !errors.Is(err, ErrVisionUnavailable) {
		t.Fatalf("expected ErrVisionUnavailable, got %v", err)
	}
}
