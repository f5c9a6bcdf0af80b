package record

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/kioskcash-system/internal/model"
	"github.com/mmeshcher/kioskcash-system/internal/quality"
)

func testSite() *model.Site {
	return &model.Site{
		ID:                   1,
		Name:                 "Soko Kuu",
		MachineID:            "VM-001",
		LastCounterValue:     0,
		CommissionRate:       decimal.NewFromFloat(0.15),
		StartupDebtInitial:   150000,
		StartupDebtRemaining: 5000,
		Status:               model.SiteStatusActive,
	}
}

func testDriver() *model.Driver {
	return &model.Driver{
		ID:                  7,
		Name:                "Nudin",
		FloatingCoinBalance: 50,
		Status:              model.DriverStatusActive,
	}
}

func baseParams() Params {
	return Params{
		Site:                  testSite(),
		Driver:                testDriver(),
		ConfirmedCounterValue: 100,
		IsOwnerRetaining:      true,
		Now:                   time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func TestBuild_BaseFormula(t *testing.T) {
	res, err := Build(baseParams())
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	tx := res.Tx
	if tx.Revenue != 20000 || tx.Commission != 3000 || tx.StartupDebtDeduction != 2000 {
		t.Fatalf("breakdown = revenue %d commission %d debt %d", tx.Revenue, tx.Commission, tx.StartupDebtDeduction)
	}
	if tx.NetPayable != 15000 {
		t.Fatalf("net payable = %d, want 15000", tx.NetPayable)
	}
	if res.SiteDebtDeduction != 2000 {
		t.Fatalf("site debt deduction = %d, want 2000", res.SiteDebtDeduction)
	}
	if res.FloatDelta != 100 {
		t.Fatalf("float delta = %d, want 100", res.FloatDelta)
	}
	if !Verify(tx) {
		t.Fatalf("stored transaction must verify against its own inputs")
	}
}

func TestBuild_AllDeductions(t *testing.T) {
	p := baseParams()
	p.OwnerRetention = 3000
	p.Tips = 500
	p.DriverLoan = 1000
	p.Expenses = 700
	p.ExpenseType = model.ExpenseTypePublic

	res, err := Build(p)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	// 20000 − 3000 − 2000 − 3000 − 500 − 1000 − 700
	if res.Tx.NetPayable != 9800 {
		t.Fatalf("net payable = %d, want 9800", res.Tx.NetPayable)
	}
	if res.DriverDebtExtension != 1000 {
		t.Fatalf("debt extension = %d, want loan only (1000)", res.DriverDebtExtension)
	}
	if !Verify(res.Tx) {
		t.Fatalf("transaction must verify")
	}

	kinds := make(map[DeductionKind]int64, len(res.Deductions))
	for _, d := range res.Deductions {
		kinds[d.Kind] = d.Amount
	}
	if kinds[DeductionOwnerRetention] != 3000 || kinds[DeductionPublicExpense] != 700 {
		t.Fatalf("unexpected deductions: %+v", res.Deductions)
	}
}

func TestBuild_PrivateExpenseBecomesDebt(t *testing.T) {
	p := baseParams()
	p.Expenses = 700
	p.ExpenseType = model.ExpenseTypePrivate

	res, err := Build(p)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	// личный расход не уменьшает сдаваемую наличность
	if res.Tx.NetPayable != 15000 {
		t.Fatalf("net payable = %d, want 15000", res.Tx.NetPayable)
	}
	if res.DriverDebtExtension != 700 {
		t.Fatalf("debt extension = %d, want 700", res.DriverDebtExtension)
	}
	if res.Tx.ExpenseStatus == nil || *res.Tx.ExpenseStatus != model.ExpenseStatusPending {
		t.Fatalf("expense must await approval, got %v", res.Tx.ExpenseStatus)
	}
}

func TestBuild_UnretainedCommissionBecomesReceivable(t *testing.T) {
	p := baseParams()
	p.IsOwnerRetaining = false
	p.OwnerRetention = 3000 // игнорируется при полном сборе

	res, err := Build(p)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	if res.Tx.OwnerRetention != 0 {
		t.Fatalf("owner retention = %d, want 0 in full-collection mode", res.Tx.OwnerRetention)
	}
	if res.Tx.NetPayable != 15000 {
		t.Fatalf("net payable = %d, want 15000", res.Tx.NetPayable)
	}
	if res.DriverDebtExtension != 3000 {
		t.Fatalf("debt extension = %d, want commission receivable 3000", res.DriverDebtExtension)
	}
}

func TestBuild_CoinExchangeMovesFloatNotMoney(t *testing.T) {
	p := baseParams()
	p.CoinExchange = 8000 // 40 монет по 200

	res, err := Build(p)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	if res.FloatDelta != 60 {
		t.Fatalf("float delta = %d, want 100 − 40 = 60", res.FloatDelta)
	}
	if res.Tx.NetPayable != 15000 {
		t.Fatalf("coin exchange must not change net payable, got %d", res.Tx.NetPayable)
	}
}

func TestBuild_NegativeFloatRequiresOverride(t *testing.T) {
	p := baseParams()
	p.Driver.FloatingCoinBalance = 0
	p.CoinExchange = 40000 // обмен 200 монет при дельте 100

	_, err := Build(p)
	if !errors.Is(err, ErrNegativeCoinFloat) {
		t.Fatalf("error = %v, want ErrNegativeCoinFloat", err)
	}

	p.AllowNegativeFloat = true
	res, err := Build(p)
	if err != nil {
		t.Fatalf("Build with override error: %v", err)
	}
	if res.FloatDelta != -100 {
		t.Fatalf("float delta = %d, want -100", res.FloatDelta)
	}
}

func TestBuild_NegativeNetPayableFlagsReview(t *testing.T) {
	p := baseParams()
	p.Tips = 25000

	res, err := Build(p)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if res.Tx.NetPayable >= 0 {
		t.Fatalf("net payable = %d, want negative", res.Tx.NetPayable)
	}
	if !res.Tx.ReviewRequired {
		t.Fatalf("negative net payable must be flagged for review")
	}
}

func TestBuild_Clearance(t *testing.T) {
	p := baseParams()
	p.Site.LastCounterValue = 9000
	p.IsClearance = true
	p.ConfirmedCounterValue = 9000 // игнорируется: очистка сбрасывает в ноль
	p.ClearancePhotoURL = "blob://after"

	res, err := Build(p)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	tx := res.Tx
	if tx.CurrentCounterValue != 0 {
		t.Fatalf("current counter = %d, want 0", tx.CurrentCounterValue)
	}
	if tx.Revenue != 0 || tx.NetPayable != 0 || tx.CoinDelta != 0 {
		t.Fatalf("clearance must carry no money: %+v", tx)
	}
	if !tx.IsClearance {
		t.Fatalf("clearance flag lost")
	}
	if tx.QualityScore != 100 || !res.Quality.Valid() {
		t.Fatalf("clearance reset flagged as dirty data: score %d, issues %v", tx.QualityScore, res.Quality.Issues)
	}
}

func TestBuild_ClearanceStillChecksGPS(t *testing.T) {
	p := baseParams()
	p.Site.LastCounterValue = 9000
	p.IsClearance = true
	p.GPSDeviation = 5000

	res, err := Build(p)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	if !res.Quality.Has(quality.IssueGPSExtremeDeviation) {
		t.Fatalf("GPS rule must apply to clearances, issues = %v", res.Quality.Issues)
	}
	if res.Quality.Has(quality.IssueScoreInversion) || res.Quality.Has(quality.IssueRevenueMismatch) {
		t.Fatalf("counter rules must not apply to clearances, issues = %v", res.Quality.Issues)
	}
}

func TestBuild_InactiveSiteRejected(t *testing.T) {
	p := baseParams()
	p.Site.Status = model.SiteStatusBroken

	if _, err := Build(p); !errors.Is(err, ErrSiteInactive) {
		t.Fatalf("error = %v, want ErrSiteInactive", err)
	}
}

func TestBuild_NegativeAdjustmentsRejected(t *testing.T) {
	p := baseParams()
	p.Tips = -1

	if _, err := Build(p); !errors.Is(err, ErrNegativeAdjustment) {
		t.Fatalf("error = %v, want ErrNegativeAdjustment", err)
	}
}

func TestBuild_OracleCandidateKeptSeparate(t *testing.T) {
	p := baseParams()
	candidate := int64(98)
	confidence := 0.91
	p.OracleCounterValue = &candidate
	p.OracleConfidence = &confidence

	res, err := Build(p)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	if res.Tx.CurrentCounterValue != 100 {
		t.Fatalf("confirmed value overridden by oracle candidate")
	}
	if res.Tx.OracleCounterValue == nil || *res.Tx.OracleCounterValue != 98 {
		t.Fatalf("oracle candidate must be stored for audit")
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	res, err := Build(baseParams())
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	tampered := res.Tx
	tampered.NetPayable += 1000

	if Verify(tampered) {
		t.Fatalf("Verify must fail on adjusted totals")
	}
}
