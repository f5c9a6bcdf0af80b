// Package record собирает итоговую транзакцию инкассации из расчёта выручки
// и корректировок оператора. Результат неизменяем; побочные эффекты
// описываются планом и применяются хранилищем атомарно.
package record

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/kioskcash-system/internal/calc"
	"github.com/mmeshcher/kioskcash-system/internal/model"
	"github.com/mmeshcher/kioskcash-system/internal/quality"
)

// ErrNegativeAdjustment возвращается при отрицательной сумме корректировки.
var (
	ErrNegativeAdjustment = errors.New("adjustment amounts must be non-negative")
	// ErrNegativeCoinFloat возвращается, когда после обмена монет остаток
	// водителя уходит в минус, а оператор не подтвердил это явно.
	ErrNegativeCoinFloat = errors.New("coin float would go negative without operator override")
	// ErrSiteInactive возвращается при попытке инкассации неактивной точки.
	ErrSiteInactive = errors.New("site is not active")
)

// DeductionKind — закрытый перечень видов вычетов из выручки.
// Порядок объявления задаёт порядок применения.
type DeductionKind string

const (
	DeductionCommission         DeductionKind = "commission"
	DeductionStartupDebtRecover DeductionKind = "startup_debt_recovery"
	DeductionOwnerRetention     DeductionKind = "owner_retention"
	DeductionTip                DeductionKind = "tip"
	DeductionDriverLoan         DeductionKind = "driver_loan"
	DeductionPublicExpense      DeductionKind = "public_expense"
)

// Deduction — один вычет из сдаваемой наличности.
type Deduction struct {
	Kind   DeductionKind `json:"kind"`
	Amount int64         `json:"amount"`
}

// Params содержит всё, что нужно для сборки одной транзакции.
type Params struct {
	Site   *model.Site
	Driver *model.Driver

	// ConfirmedCounterValue — показание, подтверждённое оператором.
	// Предложение оракула хранится отдельно и никогда его не подменяет.
	ConfirmedCounterValue int64
	OracleCounterValue    *int64
	OracleConfidence      *float64

	CoinUnitValue    int64
	DebtRecoveryRate float64

	Tips        int64
	DriverLoan  int64
	Expenses    int64
	ExpenseType model.ExpenseType

	// OwnerRetention — наличные, оставленные владельцу точки. При
	// IsOwnerRetaining == false неудержанная комиссия вешается на личный
	// долг водителя как дебиторка владельца.
	OwnerRetention   int64
	IsOwnerRetaining bool

	// CoinExchange — наличные, полученные за монеты на точке.
	CoinExchange int64
	// AllowNegativeFloat — явное подтверждение оператором ухода
	// монетного остатка в минус.
	AllowNegativeFloat bool

	GPS             model.GeoPoint
	GPSDeviation    float64
	MaxGPSDeviation float64

	PhotoURL          string
	ClearancePhotoURL string
	IsClearance       bool
	ReportedStatus    *model.SiteStatus
	Notes             string

	Now time.Time
}

// Result — собранная транзакция, разбивка вычетов и план побочных эффектов.
type Result struct {
	Tx         model.Transaction
	Deductions []Deduction
	Quality    quality.Report

	// SiteDebtDeduction уменьшает стартовый долг точки.
	SiteDebtDeduction int64
	// DriverDebtExtension увеличивает личный долг водителя
	// (займ + личный расход + неудержанная комиссия).
	DriverDebtExtension int64
	// FloatDelta — изменение монетного остатка водителя.
	FloatDelta int64
}

// Build выполняет расчёт и собирает транзакцию. Функция чиста: состояние
// точки и водителя не изменяется, повторный вызов с теми же аргументами
// даёт тот же результат (кроме генерируемого идентификатора).
func Build(p Params) (*Result, error) {
	if p.Site.Status != model.SiteStatusActive {
		return nil, ErrSiteInactive
	}
	if p.Tips < 0 || p.DriverLoan < 0 || p.Expenses < 0 || p.OwnerRetention < 0 || p.CoinExchange < 0 {
		return nil, ErrNegativeAdjustment
	}

	coinUnit := p.CoinUnitValue
	if coinUnit == 0 {
		coinUnit = calc.DefaultCoinUnitValue
	}

	recoveryRate := calc.DefaultDebtRecoveryRate
	if p.DebtRecoveryRate != 0 {
		recoveryRate = decimal.NewFromFloat(p.DebtRecoveryRate)
	}

	confirmed := p.ConfirmedCounterValue
	if p.IsClearance {
		// Очистка счётчика: показание сбрасывается в ноль, денег нет.
		confirmed = 0
	}

	breakdown, err := calc.Calculate(calc.Input{
		PreviousCounterValue: p.Site.LastCounterValue,
		CurrentCounterValue:  confirmed,
		CommissionRate:       p.Site.CommissionRate,
		CoinUnitValue:        coinUnit,
		RemainingStartupDebt: p.Site.StartupDebtRemaining,
		DebtRecoveryRate:     recoveryRate,
	})
	if err != nil {
		return nil, err
	}

	deductions := []Deduction{
		{Kind: DeductionCommission, Amount: breakdown.Commission},
		{Kind: DeductionStartupDebtRecover, Amount: breakdown.StartupDebtDeduction},
	}

	var retention int64
	var debtExtension int64
	if p.IsOwnerRetaining {
		retention = p.OwnerRetention
	} else if breakdown.Commission > 0 {
		// Владелец не взял долю наличными: комиссия становится
		// дебиторкой, учитываемой на пуле долга водителя.
		debtExtension += breakdown.Commission
	}
	deductions = append(deductions,
		Deduction{Kind: DeductionOwnerRetention, Amount: retention},
		Deduction{Kind: DeductionTip, Amount: p.Tips},
		Deduction{Kind: DeductionDriverLoan, Amount: p.DriverLoan},
	)
	debtExtension += p.DriverLoan

	var publicExpense int64
	var expenseType *model.ExpenseType
	var expenseStatus *model.ExpenseStatus
	if p.Expenses > 0 {
		et := p.ExpenseType
		es := model.ExpenseStatusPending
		expenseType = &et
		expenseStatus = &es
		if et == model.ExpenseTypePublic {
			publicExpense = p.Expenses
		} else {
			// Личный расход — это займ, а не затрата компании.
			debtExtension += p.Expenses
		}
	}
	deductions = append(deductions, Deduction{Kind: DeductionPublicExpense, Amount: publicExpense})

	netPayable := breakdown.Revenue
	for _, d := range deductions {
		netPayable -= d.Amount
	}

	coinsExchanged := p.CoinExchange / coinUnit
	floatDelta := breakdown.CoinDelta - coinsExchanged
	if p.Driver.FloatingCoinBalance+floatDelta < 0 && !p.AllowNegativeFloat {
		return nil, ErrNegativeCoinFloat
	}

	// Очистка — намеренный сброс счётчика: правила согласованности
	// показаний к ней не применяются, проверка GPS остаётся.
	qcPrevious := p.Site.LastCounterValue
	if p.IsClearance {
		qcPrevious = 0
	}

	report := quality.Validate(quality.Check{
		PreviousCounterValue: qcPrevious,
		CurrentCounterValue:  confirmed,
		Revenue:              breakdown.Revenue,
		CoinUnitValue:        coinUnit,
		GPSDeviation:         p.GPSDeviation,
		MaxGPSDeviation:      p.MaxGPSDeviation,
	})

	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx := model.Transaction{
		ID:                   uuid.New(),
		RecordedAt:           now,
		SiteID:               p.Site.ID,
		DriverID:             p.Driver.ID,
		PreviousCounterValue: p.Site.LastCounterValue,
		CurrentCounterValue:  confirmed,
		OracleCounterValue:   p.OracleCounterValue,
		OracleConfidence:     p.OracleConfidence,
		CoinDelta:            breakdown.CoinDelta,
		Revenue:              breakdown.Revenue,
		Commission:           breakdown.Commission,
		StartupDebtDeduction: breakdown.StartupDebtDeduction,
		OwnerRetention:       retention,
		Tips:                 p.Tips,
		DriverLoan:           p.DriverLoan,
		Expenses:             p.Expenses,
		ExpenseType:          expenseType,
		ExpenseStatus:        expenseStatus,
		CoinExchange:         p.CoinExchange,
		NetPayable:           netPayable,
		GPS:                  p.GPS,
		GPSDeviation:         p.GPSDeviation,
		PhotoURL:             p.PhotoURL,
		ClearancePhotoURL:    p.ClearancePhotoURL,
		QualityScore:         report.QualityScore,
		ReviewRequired:       netPayable < 0,
		IsClearance:          p.IsClearance,
		ReportedStatus:       p.ReportedStatus,
		Notes:                p.Notes,
	}

	return &Result{
		Tx:                  tx,
		Deductions:          deductions,
		Quality:             report,
		SiteDebtDeduction:   breakdown.StartupDebtDeduction,
		DriverDebtExtension: debtExtension,
		FloatDelta:          floatDelta,
	}, nil
}

// Verify пересчитывает формулу netPayable по сохранённым входам транзакции.
// Несовпадение означает, что денежные поля были изменены после создания.
func Verify(tx model.Transaction) bool {
	expected := tx.Revenue - tx.Commission - tx.StartupDebtDeduction -
		tx.OwnerRetention - tx.Tips - tx.DriverLoan
	if tx.ExpenseType != nil && *tx.ExpenseType == model.ExpenseTypePublic {
		expected -= tx.Expenses
	}
	return expected == tx.NetPayable
}
