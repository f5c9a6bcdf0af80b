// Package debt реализует учёт долговых пулов: стартовый капитал точки и
// личный долг водителя. Механика пулов одинаковая, владельцы разные.
package debt

import (
	"errors"

	"github.com/shopspring/decimal"
)

// SalaryDeductionCap — максимальная доля зарплаты, удерживаемая в счёт долга.
var SalaryDeductionCap = decimal.NewFromFloat(0.20)

// ErrInvalidAmount возвращается при неположительной сумме операции.
var (
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrOverpayment возвращается, если погашение превышает остаток долга.
	// Переплата не обрезается молча: вызывающая сторона обязана разбить платёж.
	ErrOverpayment = errors.New("repayment exceeds remaining debt")
	// ErrInvalidRate возвращается, если ставка взыскания вне отрезка [0, 1].
	ErrInvalidRate = errors.New("recovery rate must be within [0, 1]")
)

// Pool представляет один долговой пул. Инвариант: 0 ≤ Remaining ≤ Initial.
type Pool struct {
	Initial   int64
	Remaining int64
}

// Grant создаёт пул при регистрации точки или водителя:
// initial == remaining == amount. Нулевая сумма допустима (долга нет).
func Grant(amount int64) (Pool, error) {
	if amount < 0 {
		return Pool{}, ErrInvalidAmount
	}
	return Pool{Initial: amount, Remaining: amount}, nil
}

// RecoverFromRevenue удерживает из выручки min(остаток, floor(выручка × ставка))
// и уменьшает остаток долга. Возвращает удержанную сумму. Вызывается один раз
// на принятую транзакцию.
func (p *Pool) RecoverFromRevenue(revenue int64, rate decimal.Decimal) (int64, error) {
	if revenue < 0 {
		return 0, ErrInvalidAmount
	}
	if rate.LessThan(decimal.Zero) || rate.GreaterThan(decimal.NewFromInt(1)) {
		return 0, ErrInvalidRate
	}
	if p.Remaining == 0 {
		return 0, nil
	}

	deduction := decimal.NewFromInt(revenue).Mul(rate).Floor().IntPart()
	if deduction > p.Remaining {
		deduction = p.Remaining
	}

	p.Remaining -= deduction
	return deduction, nil
}

// ManualRepay погашает долг напрямую (разовый платёж водителя или админа).
func (p *Pool) ManualRepay(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > p.Remaining {
		return ErrOverpayment
	}
	p.Remaining -= amount
	return nil
}

// Extend увеличивает долг (выдача займа, личный расход, неудержанная комиссия).
// Initial и Remaining растут синхронно, чтобы инвариант пула сохранялся.
func (p *Pool) Extend(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	p.Initial += amount
	p.Remaining += amount
	return nil
}

// SalaryDeduction возвращает удержание из месячной зарплаты:
// min(остаток долга, floor((база + комиссия) × 0.20)). Порог защищает
// выплату на руки независимо от размера долга. Только расчёт, без мутаций.
func SalaryDeduction(base, commission, remaining int64) int64 {
	if remaining <= 0 {
		return 0
	}
	maxDeduction := decimal.NewFromInt(base + commission).Mul(SalaryDeductionCap).Floor().IntPart()
	if remaining < maxDeduction {
		return remaining
	}
	return maxDeduction
}
