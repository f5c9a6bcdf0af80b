// Package calc реализует чистый расчёт выручки по дельте счётчика автомата.
package calc

import (
	"errors"

	"github.com/shopspring/decimal"
)

// DefaultCoinUnitValue — номинал одной монеты автомата в TZS.
const DefaultCoinUnitValue int64 = 200

// DefaultCommissionRate — доля владельца точки по умолчанию.
var DefaultCommissionRate = decimal.NewFromFloat(0.15)

// DefaultDebtRecoveryRate — доля выручки, направляемая на возврат стартового долга.
var DefaultDebtRecoveryRate = decimal.NewFromFloat(0.10)

// ErrInvalidRate возвращается, если ставка лежит вне отрезка [0, 1].
var (
	ErrInvalidRate = errors.New("rate must be within [0, 1]")
	// ErrInvalidCoinValue возвращается при неположительном номинале монеты.
	ErrInvalidCoinValue = errors.New("coin unit value must be positive")
	// ErrNegativeCounter возвращается при отрицательном предыдущем показании.
	ErrNegativeCounter = errors.New("previous counter value must be non-negative")
	// ErrNegativeDebt возвращается при отрицательном остатке долга.
	ErrNegativeDebt = errors.New("remaining debt must be non-negative")
)

// Input содержит исходные данные одного расчёта.
type Input struct {
	PreviousCounterValue int64
	CurrentCounterValue  int64
	CommissionRate       decimal.Decimal
	CoinUnitValue        int64
	RemainingStartupDebt int64
	DebtRecoveryRate     decimal.Decimal
}

// Breakdown содержит денежную разбивку одного события инкассации.
type Breakdown struct {
	CoinDelta            int64
	Revenue              int64
	Commission           int64
	StartupDebtDeduction int64
	NetPayableBase       int64
}

// Calculate выполняет детерминированный расчёт разбивки. Функция не имеет
// побочных эффектов и может безопасно перезапускаться для сверки.
//
// Отрицательная дельта счётчика (ошибка оператора или сброс) трактуется как
// нулевая и никогда не даёт отрицательную выручку. Комиссия и вычет долга
// округляются вниз, чтобы компания не недополучала на округлении.
func Calculate(in Input) (Breakdown, error) {
	if err := validate(in); err != nil {
		return Breakdown{}, err
	}

	delta := in.CurrentCounterValue - in.PreviousCounterValue
	if delta < 0 {
		delta = 0
	}

	revenue := delta * in.CoinUnitValue
	commission := floorMul(revenue, in.CommissionRate)

	var debtDeduction int64
	if in.RemainingStartupDebt > 0 {
		debtDeduction = floorMul(revenue, in.DebtRecoveryRate)
		if debtDeduction > in.RemainingStartupDebt {
			debtDeduction = in.RemainingStartupDebt
		}
	}

	return Breakdown{
		CoinDelta:            delta,
		Revenue:              revenue,
		Commission:           commission,
		StartupDebtDeduction: debtDeduction,
		NetPayableBase:       revenue - commission - debtDeduction,
	}, nil
}

func validate(in Input) error {
	if in.PreviousCounterValue < 0 {
		return ErrNegativeCounter
	}
	if in.CoinUnitValue <= 0 {
		return ErrInvalidCoinValue
	}
	if in.RemainingStartupDebt < 0 {
		return ErrNegativeDebt
	}
	if !validRate(in.CommissionRate) || !validRate(in.DebtRecoveryRate) {
		return ErrInvalidRate
	}
	return nil
}

func validRate(rate decimal.Decimal) bool {
	return rate.GreaterThanOrEqual(decimal.Zero) && rate.LessThanOrEqual(decimal.NewFromInt(1))
}

// floorMul считает floor(amount × rate) без накопления ошибки плавающей точки.
func floorMul(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
}
