// Package quality проверяет внутреннюю согласованность транзакции перед
// сохранением. Проверки совещательные: нарушение снижает оценку качества,
// но решение о принудительном принятии остаётся за оператором.
package quality

// Пороговые значения проверок.
const (
	// RevenueTolerance — допустимое расхождение выручки из-за округления.
	RevenueTolerance int64 = 1
	// DefaultMaxGPSDeviation — предельное удаление от координат точки.
	DefaultMaxGPSDeviation float64 = 1000
	// issuePenalty — штраф к оценке качества за каждое нарушение.
	issuePenalty = 30
)

// Issue — именованное нарушение согласованности.
type Issue string

const (
	// IssueScoreInversion — текущее показание меньше предыдущего.
	IssueScoreInversion Issue = "SCORE_INVERSION"
	// IssueRevenueMismatch — сохранённая выручка не совпадает с расчётной.
	IssueRevenueMismatch Issue = "REVENUE_MISMATCH"
	// IssueGPSExtremeDeviation — фиксация слишком далеко от точки.
	IssueGPSExtremeDeviation Issue = "GPS_EXTREME_DEVIATION"
)

// Check содержит поля транзакции, участвующие в проверках.
type Check struct {
	PreviousCounterValue int64
	CurrentCounterValue  int64
	Revenue              int64
	CoinUnitValue        int64
	GPSDeviation         float64
	MaxGPSDeviation      float64
}

// Report — результат проверки: список нарушений и сводная оценка.
type Report struct {
	Issues       []Issue `json:"issues"`
	QualityScore int     `json:"quality_score"`
}

// Valid сообщает, что нарушений не найдено.
func (r Report) Valid() bool {
	return len(r.Issues) == 0
}

// Has проверяет наличие конкретного нарушения в отчёте.
func (r Report) Has(issue Issue) bool {
	for _, i := range r.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// Validate выполняет все проверки и возвращает отчёт с оценкой
// max(0, 100 − 30 × число нарушений). Ни одно нарушение само по себе
// не фатально.
func Validate(c Check) Report {
	var issues []Issue

	if c.CurrentCounterValue < c.PreviousCounterValue {
		issues = append(issues, IssueScoreInversion)
	}

	expected := (c.CurrentCounterValue - c.PreviousCounterValue) * c.CoinUnitValue
	if diff := expected - c.Revenue; diff > RevenueTolerance || diff < -RevenueTolerance {
		issues = append(issues, IssueRevenueMismatch)
	}

	maxDeviation := c.MaxGPSDeviation
	if maxDeviation == 0 {
		maxDeviation = DefaultMaxGPSDeviation
	}
	if c.GPSDeviation > maxDeviation {
		issues = append(issues, IssueGPSExtremeDeviation)
	}

	score := 100 - issuePenalty*len(issues)
	if score < 0 {
		score = 0
	}

	return Report{Issues: issues, QualityScore: score}
}
