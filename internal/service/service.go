// Package service реализует бизнес-логику сервиса инкассации киосков.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/kioskcash-system/internal/debt"
	"github.com/mmeshcher/kioskcash-system/internal/model"
	"github.com/mmeshcher/kioskcash-system/internal/record"
	"github.com/mmeshcher/kioskcash-system/internal/repository"
	"github.com/mmeshcher/kioskcash-system/internal/vision"
)

// ErrInvalidCredentials возвращается при неверной паре логин-пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrDriverInactive возвращается при операции от имени деактивированного водителя.
	ErrDriverInactive = errors.New("driver is not active")
	// ErrVisionUnavailable возвращается, когда система распознавания не настроена
	// или временно недоступна.
	ErrVisionUnavailable = errors.New("vision system unavailable")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateDriver(ctx context.Context, login string, passwordHash []byte, d model.Driver) (int64, error)
	GetDriver(ctx context.Context, id int64) (*model.Driver, error)
	CreateSite(ctx context.Context, s model.Site) (int64, error)
	GetSite(ctx context.Context, id int64) (*model.Site, error)
	ApplyCollection(ctx context.Context, txn model.Transaction, plan repository.CollectionPlan) error
	GetTransactionsByDriver(ctx context.Context, driverID int64, limit int) ([]model.Transaction, error)
	MarkTransactionsSynced(ctx context.Context, driverID int64, ids []uuid.UUID) error
	ReviewExpense(ctx context.Context, txID uuid.UUID, status model.ExpenseStatus) error
	DayNetPayable(ctx context.Context, driverID int64, date time.Time) (int64, error)
	UpsertPendingSettlement(ctx context.Context, s model.DailySettlement) (*model.DailySettlement, error)
	GetSettlement(ctx context.Context, id uuid.UUID) (*model.DailySettlement, error)
	GetSettlementsByDriver(ctx context.Context, driverID int64, limit int) ([]model.DailySettlement, error)
	GetPendingSettlements(ctx context.Context) ([]model.DailySettlement, error)
	ConfirmSettlement(ctx context.Context, id uuid.UUID, actualCash, actualCoins *int64, now time.Time) (*model.DailySettlement, error)
	RejectSettlement(ctx context.Context, id uuid.UUID, note string) error
	SettlementSummary(ctx context.Context, from, to time.Time) (*model.SettlementSummary, error)
	RepaySiteDebt(ctx context.Context, siteID int64, amount int64) (int64, error)
	RepayDriverDebt(ctx context.Context, driverID int64, amount int64) (int64, error)
	MonthlyDriverRevenue(ctx context.Context, driverID int64, year int, month time.Month) (int64, int, error)
	InsertAILog(ctx context.Context, l model.AILog) error
	GetAIDiscrepancies(ctx context.Context, limit int) ([]repository.Discrepancy, error)
}

// Policy содержит настраиваемые параметры денежной модели.
type Policy struct {
	CoinUnitValue    int64
	DebtRecoveryRate float64
	MaxGPSDeviation  float64
}

// Service содержит бизнес-логику сервиса инкассации.
type Service struct {
	repo         Repository
	visionClient *vision.Client
	policy       Policy
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом системы распознавания.
func NewService(repo Repository, visionClient *vision.Client, policy Policy) *Service {
	return &Service{
		repo:         repo,
		visionClient: visionClient,
		policy:       policy,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// AuthenticateUser проверяет логин и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	hashed := hashPassword(login, password)
	if subtle.ConstantTimeCompare(hashed, u.PasswordHash) != 1 {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// RegisterAdmin создаёт учётную запись администратора.
func (s *Service) RegisterAdmin(ctx context.Context, login, password string) (int64, error) {
	return s.repo.CreateUser(ctx, login, hashPassword(login, password), model.RoleAdmin)
}

// RegisterDriver создаёт учётную запись и профиль водителя.
func (s *Service) RegisterDriver(ctx context.Context, login, password string, d model.Driver) (int64, error) {
	if d.Status == "" {
		d.Status = model.DriverStatusActive
	}
	if d.CommissionRate.IsZero() {
		d.CommissionRate = decimal.NewFromFloat(0.05)
	}
	return s.repo.CreateDriver(ctx, login, hashPassword(login, password), d)
}

// RegisterSite регистрирует новую точку с автоматом.
func (s *Service) RegisterSite(ctx context.Context, site model.Site) (int64, error) {
	if site.Status == "" {
		site.Status = model.SiteStatusActive
	}
	if site.CommissionRate.IsZero() {
		site.CommissionRate = decimal.NewFromFloat(0.15)
	}
	site.StartupDebtRemaining = site.StartupDebtInitial
	return s.repo.CreateSite(ctx, site)
}

// GetSite возвращает точку по идентификатору.
func (s *Service) GetSite(ctx context.Context, id int64) (*model.Site, error) {
	return s.repo.GetSite(ctx, id)
}

// GetDriver возвращает профиль водителя.
func (s *Service) GetDriver(ctx context.Context, id int64) (*model.Driver, error) {
	return s.repo.GetDriver(ctx, id)
}

// CollectionRequest описывает сдачу одной инкассации водителем.
type CollectionRequest struct {
	SiteID                int64
	ConfirmedCounterValue int64
	OracleCounterValue    *int64
	OracleConfidence      *float64

	Tips        int64
	DriverLoan  int64
	Expenses    int64
	ExpenseType model.ExpenseType

	OwnerRetention   int64
	IsOwnerRetaining bool

	CoinExchange       int64
	AllowNegativeFloat bool

	GPS          model.GeoPoint
	GPSDeviation float64

	PhotoURL          string
	ClearancePhotoURL string
	IsClearance       bool
	ReportedStatus    *model.SiteStatus
	Notes             string
}

// SubmitCollection собирает транзакцию инкассации и атомарно применяет её.
func (s *Service) SubmitCollection(ctx context.Context, driverID int64, req CollectionRequest) (*record.Result, error) {
	driver, err := s.repo.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if driver.Status != model.DriverStatusActive {
		return nil, ErrDriverInactive
	}

	site, err := s.repo.GetSite(ctx, req.SiteID)
	if err != nil {
		return nil, err
	}

	res, err := record.Build(record.Params{
		Site:                  site,
		Driver:                driver,
		ConfirmedCounterValue: req.ConfirmedCounterValue,
		OracleCounterValue:    req.OracleCounterValue,
		OracleConfidence:      req.OracleConfidence,
		CoinUnitValue:         s.policy.CoinUnitValue,
		DebtRecoveryRate:      s.policy.DebtRecoveryRate,
		Tips:                  req.Tips,
		DriverLoan:            req.DriverLoan,
		Expenses:              req.Expenses,
		ExpenseType:           req.ExpenseType,
		OwnerRetention:        req.OwnerRetention,
		IsOwnerRetaining:      req.IsOwnerRetaining,
		CoinExchange:          req.CoinExchange,
		AllowNegativeFloat:    req.AllowNegativeFloat,
		GPS:                   req.GPS,
		GPSDeviation:          req.GPSDeviation,
		MaxGPSDeviation:       s.policy.MaxGPSDeviation,
		PhotoURL:              req.PhotoURL,
		ClearancePhotoURL:     req.ClearancePhotoURL,
		IsClearance:           req.IsClearance,
		ReportedStatus:        req.ReportedStatus,
		Notes:                 req.Notes,
	})
	if err != nil {
		return nil, err
	}

	err = s.repo.ApplyCollection(ctx, res.Tx, repository.CollectionPlan{
		SiteDebtDeduction:   res.SiteDebtDeduction,
		DriverDebtExtension: res.DriverDebtExtension,
		FloatDelta:          res.FloatDelta,
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// GetCollections возвращает последние транзакции водителя.
func (s *Service) GetCollections(ctx context.Context, driverID int64, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.GetTransactionsByDriver(ctx, driverID, limit)
}

// SyncCollections помечает транзакции водителя как доставленные.
func (s *Service) SyncCollections(ctx context.Context, driverID int64, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.repo.MarkTransactionsSynced(ctx, driverID, ids)
}

// ReviewExpense согласует или отклоняет ожидающий расход.
func (s *Service) ReviewExpense(ctx context.Context, txID uuid.UUID, approve bool) error {
	status := model.ExpenseStatusRejected
	if approve {
		status = model.ExpenseStatusApproved
	}
	return s.repo.ReviewExpense(ctx, txID, status)
}

// SettlementRequest описывает сдачу дневной выручки водителем.
type SettlementRequest struct {
	Date        time.Time
	ActualCash  int64
	ActualCoins int64
	Note        string
}

// SubmitSettlement создаёт или пересоздаёт дневную сверку. Ожидаемая сумма
// складывается из netPayable транзакций за день и монетного остатка водителя.
func (s *Service) SubmitSettlement(ctx context.Context, driverID int64, req SettlementRequest) (*model.DailySettlement, error) {
	driver, err := s.repo.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}

	dayTotal, err := s.repo.DayNetPayable(ctx, driverID, req.Date)
	if err != nil {
		return nil, err
	}

	expected := dayTotal + driver.FloatingCoinBalance

	return s.repo.UpsertPendingSettlement(ctx, model.DailySettlement{
		ID:            uuid.New(),
		DriverID:      driverID,
		Date:          req.Date,
		ExpectedTotal: expected,
		ActualCash:    req.ActualCash,
		ActualCoins:   req.ActualCoins,
		Shortage:      req.ActualCash + req.ActualCoins - expected,
		Note:          req.Note,
		SubmittedAt:   time.Now().UTC(),
	})
}

// GetSettlement возвращает сверку по идентификатору.
func (s *Service) GetSettlement(ctx context.Context, id uuid.UUID) (*model.DailySettlement, error) {
	return s.repo.GetSettlement(ctx, id)
}

// GetSettlements возвращает сверки водителя.
func (s *Service) GetSettlements(ctx context.Context, driverID int64, limit int) ([]model.DailySettlement, error) {
	if limit <= 0 {
		limit = 62
	}
	return s.repo.GetSettlementsByDriver(ctx, driverID, limit)
}

// GetPendingSettlements возвращает очередь сверок на рассмотрении.
func (s *Service) GetPendingSettlements(ctx context.Context) ([]model.DailySettlement, error) {
	return s.repo.GetPendingSettlements(ctx)
}

// ConfirmSettlement подтверждает сверку, опционально перезаписывая фактические суммы.
func (s *Service) ConfirmSettlement(ctx context.Context, id uuid.UUID, actualCash, actualCoins *int64) (*model.DailySettlement, error) {
	return s.repo.ConfirmSettlement(ctx, id, actualCash, actualCoins, time.Now().UTC())
}

// RejectSettlement возвращает сверку водителю на пересдачу.
func (s *Service) RejectSettlement(ctx context.Context, id uuid.UUID, note string) error {
	return s.repo.RejectSettlement(ctx, id, note)
}

// SettlementSummary возвращает агрегат подтверждённых сверок за период.
func (s *Service) SettlementSummary(ctx context.Context, from, to time.Time) (*model.SettlementSummary, error) {
	return s.repo.SettlementSummary(ctx, from, to)
}

// RepaySiteDebt погашает часть стартового долга точки и возвращает остаток.
func (s *Service) RepaySiteDebt(ctx context.Context, siteID int64, amount int64) (int64, error) {
	return s.repo.RepaySiteDebt(ctx, siteID, amount)
}

// RepayDriverDebt погашает часть личного долга водителя и возвращает остаток.
func (s *Service) RepayDriverDebt(ctx context.Context, driverID int64, amount int64) (int64, error) {
	return s.repo.RepayDriverDebt(ctx, driverID, amount)
}

// GetDriverDebt возвращает состояние пула долга водителя.
func (s *Service) GetDriverDebt(ctx context.Context, driverID int64) (*debt.Pool, error) {
	driver, err := s.repo.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	return &debt.Pool{Initial: driver.DebtInitial, Remaining: driver.DebtRemaining}, nil
}

// Salary формирует расчётный листок водителя за месяц.
func (s *Service) Salary(ctx context.Context, driverID int64, year int, month time.Month) (*model.SalaryStatement, error) {
	driver, err := s.repo.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}

	revenue, count, err := s.repo.MonthlyDriverRevenue(ctx, driverID, year, month)
	if err != nil {
		return nil, err
	}

	commission := decimal.NewFromInt(revenue).Mul(driver.CommissionRate).Floor().IntPart()
	deduction := debt.SalaryDeduction(driver.BaseSalary, commission, driver.DebtRemaining)

	return &model.SalaryStatement{
		DriverID:      driverID,
		Month:         fmt.Sprintf("%04d-%02d", year, month),
		Revenue:       revenue,
		BaseSalary:    driver.BaseSalary,
		Commission:    commission,
		DebtDeduction: deduction,
		Total:         driver.BaseSalary + commission - deduction,
		Transactions:  count,
	}, nil
}

// CounterReadHint — подсказка оператору по результату распознавания снимка.
type CounterReadHint struct {
	CandidateValue *int64                 `json:"candidate_value,omitempty"`
	RawValue       string                 `json:"raw_value"`
	Condition      model.MachineCondition `json:"condition"`
	Confidence     float64                `json:"confidence"`
	LogID          uuid.UUID              `json:"log_id"`
}

// RecordCounterRead запрашивает распознавание показания и журналирует обращение.
// Подсказка никогда не подменяет подтверждённое оператором значение.
func (s *Service) RecordCounterRead(ctx context.Context, driverID int64, imageURL string, siteID *int64) (*CounterReadHint, error) {
	if s.visionClient == nil {
		return nil, ErrVisionUnavailable
	}

	machineID := ""
	if siteID != nil {
		site, err := s.repo.GetSite(ctx, *siteID)
		if err != nil {
			return nil, err
		}
		machineID = site.MachineID
	}

	result, statusCode, _, err := s.visionClient.ReadCounter(ctx, vision.ReadRequest{
		ImageURL:  imageURL,
		MachineID: machineID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVisionUnavailable, err)
	}
	if result == nil || statusCode != 200 {
		return nil, ErrVisionUnavailable
	}

	hint := &CounterReadHint{
		RawValue:   result.CandidateValue,
		Condition:  result.Condition,
		Confidence: result.Confidence,
		LogID:      uuid.New(),
	}
	if v, ok := result.Candidate(); ok {
		hint.CandidateValue = &v
	}

	logEntry := model.AILog{
		ID:             hint.LogID,
		RecordedAt:     time.Now().UTC(),
		DriverID:       driverID,
		Query:          imageURL,
		Response:       result.Summary,
		ModelUsed:      result.Model,
		ImageURL:       imageURL,
		CandidateValue: hint.CandidateValue,
		Confidence:     &result.Confidence,
		Condition:      result.Condition,
		SiteID:         siteID,
	}
	if err := s.repo.InsertAILog(ctx, logEntry); err != nil {
		return nil, err
	}

	return hint, nil
}

// GetAIDiscrepancies возвращает расхождения между распознанными и
// подтверждёнными показаниями.
func (s *Service) GetAIDiscrepancies(ctx context.Context, limit int) ([]repository.Discrepancy, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.GetAIDiscrepancies(ctx, limit)
}
