// Package model содержит доменные сущности сервиса инкассации киосков.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDriver Role = "driver"
)

// User представляет учётную запись администратора или водителя-инкассатора.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// SiteStatus описывает эксплуатационное состояние точки с автоматом.
type SiteStatus string

const (
	SiteStatusActive      SiteStatus = "active"
	SiteStatusMaintenance SiteStatus = "maintenance"
	SiteStatusBroken      SiteStatus = "broken"
)

// Site представляет точку размещения торгового автомата.
// Изменяется только принятой транзакцией либо ручным погашением долга;
// точки не удаляются, только деактивируются.
type Site struct {
	ID                   int64
	Name                 string
	MachineID            string
	Area                 string
	OwnerName            string
	AssignedDriverID     *int64
	LastCounterValue     int64
	CommissionRate       decimal.Decimal
	StartupDebtInitial   int64
	StartupDebtRemaining int64
	Lat                  float64
	Lng                  float64
	Status               SiteStatus
	CreatedAt            time.Time
}

// DriverStatus описывает статус водителя.
type DriverStatus string

const (
	DriverStatusActive   DriverStatus = "active"
	DriverStatusInactive DriverStatus = "inactive"
)

// Driver представляет водителя-инкассатора и его балансы.
// Монетный остаток меняется транзакциями и подтверждением дневной сверки.
type Driver struct {
	ID                  int64
	Name                string
	Phone               string
	VehicleModel        string
	VehiclePlate        string
	FloatingCoinBalance int64
	DebtInitial         int64
	DebtRemaining       int64
	BaseSalary          int64
	CommissionRate      decimal.Decimal
	Status              DriverStatus
	CreatedAt           time.Time
}

// ExpenseType разделяет расходы на корпоративные и личные.
type ExpenseType string

const (
	// ExpenseTypePublic — расход компании, вычитается из сдаваемой наличности.
	ExpenseTypePublic ExpenseType = "public"
	// ExpenseTypePrivate — личный расход водителя, увеличивает его долг.
	ExpenseTypePrivate ExpenseType = "private"
)

// ExpenseStatus описывает статус согласования расхода администратором.
type ExpenseStatus string

const (
	ExpenseStatusPending  ExpenseStatus = "pending"
	ExpenseStatusApproved ExpenseStatus = "approved"
	ExpenseStatusRejected ExpenseStatus = "rejected"
)

// GeoPoint — координаты места, где была зафиксирована транзакция.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Transaction представляет одно событие инкассации.
// Денежные поля записываются один раз при создании; изменяемы только
// статусные флаги (sync, согласование расхода).
type Transaction struct {
	ID                   uuid.UUID
	RecordedAt           time.Time
	SiteID               int64
	DriverID             int64
	PreviousCounterValue int64
	CurrentCounterValue  int64
	OracleCounterValue   *int64
	OracleConfidence     *float64
	CoinDelta            int64
	Revenue              int64
	Commission           int64
	StartupDebtDeduction int64
	OwnerRetention       int64
	Tips                 int64
	DriverLoan           int64
	Expenses             int64
	ExpenseType          *ExpenseType
	ExpenseStatus        *ExpenseStatus
	CoinExchange         int64
	NetPayable           int64
	GPS                  GeoPoint
	GPSDeviation         float64
	PhotoURL             string
	ClearancePhotoURL    string
	QualityScore         int
	ReviewRequired       bool
	IsClearance          bool
	ReportedStatus       *SiteStatus
	Notes                string
	IsSynced             bool
}

// SettlementStatus описывает состояние дневной сверки.
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusConfirmed SettlementStatus = "confirmed"
	SettlementStatusRejected  SettlementStatus = "rejected"
)

// DailySettlement представляет дневную сверку наличности водителя.
// На пару (водитель, дата) существует не более одной записи; подтверждённая
// запись терминальна.
type DailySettlement struct {
	ID            uuid.UUID
	DriverID      int64
	Date          time.Time
	ExpectedTotal int64
	ActualCash    int64
	ActualCoins   int64
	Shortage      int64
	Status        SettlementStatus
	Note          string
	SubmittedAt   time.Time
	ConfirmedAt   *time.Time
	IsSynced      bool
}

// MachineCondition — состояние автомата по оценке системы распознавания.
type MachineCondition string

const (
	ConditionNormal      MachineCondition = "Normal"
	ConditionMaintenance MachineCondition = "Maintenance"
	ConditionBroken      MachineCondition = "Broken"
	ConditionUnknown     MachineCondition = "Unknown"
)

// AILog представляет запись аудита обращения к системе распознавания счётчика.
// Записи только добавляются и к денежной модели не относятся; кандидат,
// попавший в транзакцию, хранится на ней самой (OracleCounterValue).
type AILog struct {
	ID             uuid.UUID
	RecordedAt     time.Time
	DriverID       int64
	Query          string
	Response       string
	ModelUsed      string
	ImageURL       string
	CandidateValue *int64
	Confidence     *float64
	Condition      MachineCondition
	SiteID         *int64
}

// SettlementSummary содержит агрегат подтверждённых сверок за период.
type SettlementSummary struct {
	ExpectedTotal int64 `json:"expected_total"`
	ActualCash    int64 `json:"actual_cash"`
	ActualCoins   int64 `json:"actual_coins"`
	Shortage      int64 `json:"shortage"`
	Count         int   `json:"count"`
}

// SalaryStatement — расчётный листок водителя за месяц. Производное
// представление, ничего не изменяет.
type SalaryStatement struct {
	DriverID      int64  `json:"driver_id"`
	Month         string `json:"month"`
	Revenue       int64  `json:"revenue"`
	BaseSalary    int64  `json:"base_salary"`
	Commission    int64  `json:"commission"`
	DebtDeduction int64  `json:"debt_deduction"`
	Total         int64  `json:"total"`
	Transactions  int    `json:"transactions"`
}
