// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/kioskcash-system/internal/debt"
	"github.com/mmeshcher/kioskcash-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrSiteExists возвращается при регистрации точки с занятым номером автомата.
	ErrSiteExists = errors.New("site with this machine id already exists")
	// ErrSiteNotFound возвращается, если точка не найдена.
	ErrSiteNotFound = errors.New("site not found")
	// ErrDriverNotFound возвращается, если водитель не найден.
	ErrDriverNotFound = errors.New("driver not found")
	// ErrCounterConflict возвращается, если показание точки изменилось после
	// чтения: транзакцию нужно пересобрать на свежем состоянии.
	ErrCounterConflict = errors.New("site counter changed since transaction was built")
	// ErrSettlementNotFound возвращается, если сверка не найдена.
	ErrSettlementNotFound = errors.New("settlement not found")
	// ErrSettlementNotPending возвращается при переходе из нетерминального статуса.
	ErrSettlementNotPending = errors.New("settlement is not pending")
	// ErrSettlementConfirmed возвращается при повторной сдаче уже подтверждённого дня.
	ErrSettlementConfirmed = errors.New("settlement for this date already confirmed")
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrExpenseNotPending возвращается при повторном согласовании расхода.
	ErrExpenseNotPending = errors.New("expense is not awaiting review")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сериализационных сбоях и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт учётную запись с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// CreateDriver создаёт учётную запись водителя и его профиль одной транзакцией.
func (r *PostgresRepository) CreateDriver(ctx context.Context, login string, passwordHash []byte, d model.Driver) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(model.RoleDriver),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create driver user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO drivers (id, name, phone, vehicle_model, vehicle_plate, floating_coins,
		                      debt_initial, debt_remaining, base_salary, commission_rate, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, d.Name, d.Phone, d.VehicleModel, d.VehiclePlate, d.FloatingCoinBalance,
		d.DebtInitial, d.DebtRemaining, d.BaseSalary, d.CommissionRate.String(), string(d.Status),
	)
	if err != nil {
		return 0, fmt.Errorf("insert driver: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetDriver возвращает профиль водителя.
func (r *PostgresRepository) GetDriver(ctx context.Context, id int64) (*model.Driver, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, phone, vehicle_model, vehicle_plate, floating_coins,
		        debt_initial, debt_remaining, base_salary, commission_rate::text, status, created_at
		 FROM drivers WHERE id = $1`,
		id,
	)

	d, err := scanDriver(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDriverNotFound
		}
		return nil, fmt.Errorf("get driver: %w", err)
	}
	return d, nil
}

func scanDriver(row pgx.Row) (*model.Driver, error) {
	var d model.Driver
	var rate, status string
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.VehicleModel, &d.VehiclePlate,
		&d.FloatingCoinBalance, &d.DebtInitial, &d.DebtRemaining, &d.BaseSalary,
		&rate, &status, &d.CreatedAt)
	if err != nil {
		return nil, err
	}

	d.CommissionRate, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse commission rate: %w", err)
	}
	d.Status = model.DriverStatus(status)
	return &d, nil
}

// CreateSite регистрирует новую точку. Стартовый долг задаётся один раз:
// initial == remaining.
func (r *PostgresRepository) CreateSite(ctx context.Context, s model.Site) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO sites (name, machine_id, area, owner_name, assigned_driver_id, last_counter,
		                    commission_rate, startup_debt_initial, startup_debt_remaining, lat, lng, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, $10, $11)
		 RETURNING id`,
		s.Name, s.MachineID, s.Area, s.OwnerName, s.AssignedDriverID, s.LastCounterValue,
		s.CommissionRate.String(), s.StartupDebtInitial, s.Lat, s.Lng, string(s.Status),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrSiteExists, s.MachineID)
		}
		return 0, fmt.Errorf("create site: %w", err)
	}
	return id, nil
}

// GetSite возвращает точку по идентификатору.
func (r *PostgresRepository) GetSite(ctx context.Context, id int64) (*model.Site, error) {
	row := r.pool.QueryRow(ctx, siteSelect+` WHERE id = $1`, id)

	s, err := scanSite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		return nil, fmt.Errorf("get site: %w", err)
	}
	return s, nil
}

const siteSelect = `SELECT id, name, machine_id, area, owner_name, assigned_driver_id, last_counter,
       commission_rate::text, startup_debt_initial, startup_debt_remaining, lat, lng, status, created_at
  FROM sites`

func scanSite(row pgx.Row) (*model.Site, error) {
	var s model.Site
	var rate, status string
	err := row.Scan(&s.ID, &s.Name, &s.MachineID, &s.Area, &s.OwnerName, &s.AssignedDriverID,
		&s.LastCounterValue, &rate, &s.StartupDebtInitial, &s.StartupDebtRemaining,
		&s.Lat, &s.Lng, &status, &s.CreatedAt)
	if err != nil {
		return nil, err
	}

	s.CommissionRate, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse commission rate: %w", err)
	}
	s.Status = model.SiteStatus(status)
	return &s, nil
}

// CollectionPlan описывает побочные эффекты принятой транзакции.
type CollectionPlan struct {
	SiteDebtDeduction   int64
	DriverDebtExtension int64
	FloatDelta          int64
}

// ApplyCollection атомарно сохраняет транзакцию и применяет её побочные
// эффекты. Строки точки и водителя блокируются, чтобы параллельные сдачи
// не считали вычеты от устаревших остатков. Если показание точки успело
// измениться, возвращается ErrCounterConflict и ничего не применяется.
func (r *PostgresRepository) ApplyCollection(ctx context.Context, txn model.Transaction, plan CollectionPlan) error {
	return r.withRetry(ctx, func() error {
		return r.applyCollection(ctx, txn, plan)
	})
}

func (r *PostgresRepository) applyCollection(ctx context.Context, txn model.Transaction, plan CollectionPlan) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastCounter, debtRemaining int64
	err = tx.QueryRow(ctx,
		`SELECT last_counter, startup_debt_remaining FROM sites WHERE id = $1 FOR UPDATE`,
		txn.SiteID,
	).Scan(&lastCounter, &debtRemaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSiteNotFound
		}
		return fmt.Errorf("lock site: %w", err)
	}

	if lastCounter != txn.PreviousCounterValue {
		return ErrCounterConflict
	}
	if plan.SiteDebtDeduction > debtRemaining {
		return ErrCounterConflict
	}

	var floatBalance int64
	err = tx.QueryRow(ctx,
		`SELECT floating_coins FROM drivers WHERE id = $1 FOR UPDATE`,
		txn.DriverID,
	).Scan(&floatBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDriverNotFound
		}
		return fmt.Errorf("lock driver: %w", err)
	}

	var reportedStatus *string
	if txn.ReportedStatus != nil {
		v := string(*txn.ReportedStatus)
		reportedStatus = &v
	}

	_, err = tx.Exec(ctx,
		`UPDATE sites
		    SET last_counter = $2,
		        startup_debt_remaining = startup_debt_remaining - $3,
		        status = COALESCE($4, status)
		  WHERE id = $1`,
		txn.SiteID, txn.CurrentCounterValue, plan.SiteDebtDeduction, reportedStatus,
	)
	if err != nil {
		return fmt.Errorf("update site: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE drivers
		    SET floating_coins = floating_coins + $2,
		        debt_initial = debt_initial + $3,
		        debt_remaining = debt_remaining + $3
		  WHERE id = $1`,
		txn.DriverID, plan.FloatDelta, plan.DriverDebtExtension,
	)
	if err != nil {
		return fmt.Errorf("update driver: %w", err)
	}

	var expenseType, expenseStatus *string
	if txn.ExpenseType != nil {
		v := string(*txn.ExpenseType)
		expenseType = &v
	}
	if txn.ExpenseStatus != nil {
		v := string(*txn.ExpenseStatus)
		expenseStatus = &v
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, recorded_at, site_id, driver_id, previous_counter, current_counter,
		        oracle_counter, oracle_confidence, coin_delta, revenue, commission, startup_debt_deduction,
		        owner_retention, tips, driver_loan, expenses, expense_type, expense_status, coin_exchange,
		        net_payable, gps_lat, gps_lng, gps_deviation, photo_url, clearance_photo_url,
		        quality_score, review_required, is_clearance, reported_status, notes, is_synced)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
		         $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)`,
		txn.ID, txn.RecordedAt, txn.SiteID, txn.DriverID, txn.PreviousCounterValue, txn.CurrentCounterValue,
		txn.OracleCounterValue, txn.OracleConfidence, txn.CoinDelta, txn.Revenue, txn.Commission,
		txn.StartupDebtDeduction, txn.OwnerRetention, txn.Tips, txn.DriverLoan, txn.Expenses,
		expenseType, expenseStatus, txn.CoinExchange, txn.NetPayable, txn.GPS.Lat, txn.GPS.Lng,
		txn.GPSDeviation, txn.PhotoURL, txn.ClearancePhotoURL, txn.QualityScore, txn.ReviewRequired,
		txn.IsClearance, reportedStatus, txn.Notes, txn.IsSynced,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

const transactionSelect = `SELECT id, recorded_at, site_id, driver_id, previous_counter, current_counter,
       oracle_counter, oracle_confidence, coin_delta, revenue, commission, startup_debt_deduction,
       owner_retention, tips, driver_loan, expenses, expense_type, expense_status, coin_exchange,
       net_payable, gps_lat, gps_lng, gps_deviation, photo_url, clearance_photo_url,
       quality_score, review_required, is_clearance, reported_status, notes, is_synced
  FROM transactions`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var expenseType, expenseStatus, reportedStatus *string

	err := row.Scan(&t.ID, &t.RecordedAt, &t.SiteID, &t.DriverID, &t.PreviousCounterValue,
		&t.CurrentCounterValue, &t.OracleCounterValue, &t.OracleConfidence, &t.CoinDelta,
		&t.Revenue, &t.Commission, &t.StartupDebtDeduction, &t.OwnerRetention, &t.Tips,
		&t.DriverLoan, &t.Expenses, &expenseType, &expenseStatus, &t.CoinExchange,
		&t.NetPayable, &t.GPS.Lat, &t.GPS.Lng, &t.GPSDeviation, &t.PhotoURL,
		&t.ClearancePhotoURL, &t.QualityScore, &t.ReviewRequired, &t.IsClearance,
		&reportedStatus, &t.Notes, &t.IsSynced)
	if err != nil {
		return nil, err
	}

	if expenseType != nil {
		v := model.ExpenseType(*expenseType)
		t.ExpenseType = &v
	}
	if expenseStatus != nil {
		v := model.ExpenseStatus(*expenseStatus)
		t.ExpenseStatus = &v
	}
	if reportedStatus != nil {
		v := model.SiteStatus(*reportedStatus)
		t.ReportedStatus = &v
	}

	return &t, nil
}

// GetTransactionsByDriver возвращает транзакции водителя, новые первыми.
func (r *PostgresRepository) GetTransactionsByDriver(ctx context.Context, driverID int64, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		transactionSelect+` WHERE driver_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		driverID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkTransactionsSynced помечает транзакции водителя как доставленные
// удалённому хранилищу.
func (r *PostgresRepository) MarkTransactionsSynced(ctx context.Context, driverID int64, ids []uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE transactions SET is_synced = TRUE WHERE driver_id = $1 AND id = ANY($2)`,
		driverID, ids,
	)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// ReviewExpense переводит расход из pending в approved или rejected.
// Денежные поля транзакции при этом не меняются.
func (r *PostgresRepository) ReviewExpense(ctx context.Context, txID uuid.UUID, status model.ExpenseStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE transactions SET expense_status = $2
		  WHERE id = $1 AND expense_status = $3`,
		txID, string(status), string(model.ExpenseStatusPending),
	)
	if err != nil {
		return fmt.Errorf("review expense: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, txID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check transaction: %w", err)
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrExpenseNotPending
	}

	return nil
}

// DayNetPayable возвращает сумму net_payable транзакций водителя за день.
func (r *PostgresRepository) DayNetPayable(ctx context.Context, driverID int64, date time.Time) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(net_payable), 0)
		   FROM transactions
		  WHERE driver_id = $1 AND recorded_at >= $2::date AND recorded_at < $2::date + INTERVAL '1 day'`,
		driverID, date,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum day net payable: %w", err)
	}
	return total, nil
}

// UpsertPendingSettlement создаёт сверку за день либо обновляет существующую
// неподтверждённую: повторная сдача того же дня не плодит дубликатов.
// Подтверждённый день пересдать нельзя.
func (r *PostgresRepository) UpsertPendingSettlement(ctx context.Context, s model.DailySettlement) (*model.DailySettlement, error) {
	res, err := r.upsertPendingSettlement(ctx, s)
	if isUniqueViolation(err) {
		// Две первые сдачи одного дня могут разминуться на блокирующем
		// SELECT и наперегонки вставить строку. Проигравший повторяет
		// попытку и попадает в ветку обновления существующей записи.
		res, err = r.upsertPendingSettlement(ctx, s)
	}
	return res, err
}

func (r *PostgresRepository) upsertPendingSettlement(ctx context.Context, s model.DailySettlement) (*model.DailySettlement, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingID uuid.UUID
	var existingStatus string
	err = tx.QueryRow(ctx,
		`SELECT id, status FROM daily_settlements WHERE driver_id = $1 AND date = $2::date FOR UPDATE`,
		s.DriverID, s.Date,
	).Scan(&existingID, &existingStatus)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO daily_settlements (id, driver_id, date, expected_total, actual_cash, actual_coins,
			        shortage, status, note, submitted_at, is_synced)
			 VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9, $10, FALSE)`,
			s.ID, s.DriverID, s.Date, s.ExpectedTotal, s.ActualCash, s.ActualCoins,
			s.Shortage, string(model.SettlementStatusPending), s.Note, s.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert settlement: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("lock settlement: %w", err)
	case existingStatus == string(model.SettlementStatusConfirmed):
		return nil, ErrSettlementConfirmed
	default:
		s.ID = existingID
		_, err = tx.Exec(ctx,
			`UPDATE daily_settlements
			    SET expected_total = $2, actual_cash = $3, actual_coins = $4, shortage = $5,
			        status = $6, note = $7, submitted_at = $8, is_synced = FALSE
			  WHERE id = $1`,
			s.ID, s.ExpectedTotal, s.ActualCash, s.ActualCoins, s.Shortage,
			string(model.SettlementStatusPending), s.Note, s.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("update settlement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	s.Status = model.SettlementStatusPending
	return &s, nil
}

const settlementSelect = `SELECT id, driver_id, date, expected_total, actual_cash, actual_coins,
       shortage, status, note, submitted_at, confirmed_at, is_synced
  FROM daily_settlements`

func scanSettlement(row pgx.Row) (*model.DailySettlement, error) {
	var s model.DailySettlement
	var status string
	err := row.Scan(&s.ID, &s.DriverID, &s.Date, &s.ExpectedTotal, &s.ActualCash,
		&s.ActualCoins, &s.Shortage, &status, &s.Note, &s.SubmittedAt, &s.ConfirmedAt, &s.IsSynced)
	if err != nil {
		return nil, err
	}
	s.Status = model.SettlementStatus(status)
	return &s, nil
}

// GetSettlement возвращает сверку по идентификатору.
func (r *PostgresRepository) GetSettlement(ctx context.Context, id uuid.UUID) (*model.DailySettlement, error) {
	row := r.pool.QueryRow(ctx, settlementSelect+` WHERE id = $1`, id)

	s, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return s, nil
}

// GetSettlementsByDriver возвращает сверки водителя, новые первыми.
func (r *PostgresRepository) GetSettlementsByDriver(ctx context.Context, driverID int64, limit int) ([]model.DailySettlement, error) {
	rows, err := r.pool.Query(ctx,
		settlementSelect+` WHERE driver_id = $1 ORDER BY date DESC LIMIT $2`,
		driverID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select settlements: %w", err)
	}
	defer rows.Close()

	var res []model.DailySettlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetPendingSettlements возвращает очередь сверок, ожидающих решения админа.
func (r *PostgresRepository) GetPendingSettlements(ctx context.Context) ([]model.DailySettlement, error) {
	rows, err := r.pool.Query(ctx,
		settlementSelect+` WHERE status = $1 ORDER BY submitted_at`,
		string(model.SettlementStatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("select pending settlements: %w", err)
	}
	defer rows.Close()

	var res []model.DailySettlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ConfirmSettlement подтверждает сверку. Переход одноразовый: допустим только
// из статуса pending. Админ может перезаписать фактические суммы; монетный
// остаток водителя сбрасывается в подтверждённые actual_coins. Блокировки
// сверки и водителя исключают гонку с параллельной сдачей транзакций.
func (r *PostgresRepository) ConfirmSettlement(ctx context.Context, id uuid.UUID, actualCash, actualCoins *int64, now time.Time) (*model.DailySettlement, error) {
	var confirmed *model.DailySettlement
	err := r.withRetry(ctx, func() error {
		var err error
		confirmed, err = r.confirmSettlement(ctx, id, actualCash, actualCoins, now)
		return err
	})
	return confirmed, err
}

func (r *PostgresRepository) confirmSettlement(ctx context.Context, id uuid.UUID, actualCash, actualCoins *int64, now time.Time) (*model.DailySettlement, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, settlementSelect+` WHERE id = $1 FOR UPDATE`, id)
	s, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("lock settlement: %w", err)
	}

	if s.Status != model.SettlementStatusPending {
		return nil, ErrSettlementNotPending
	}

	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM drivers WHERE id = $1 FOR UPDATE`, s.DriverID).Scan(&dummy)
	if err != nil {
		return nil, fmt.Errorf("lock driver: %w", err)
	}

	if actualCash != nil {
		s.ActualCash = *actualCash
	}
	if actualCoins != nil {
		s.ActualCoins = *actualCoins
	}
	s.Shortage = s.ActualCash + s.ActualCoins - s.ExpectedTotal
	s.Status = model.SettlementStatusConfirmed
	s.ConfirmedAt = &now

	_, err = tx.Exec(ctx,
		`UPDATE daily_settlements
		    SET actual_cash = $2, actual_coins = $3, shortage = $4, status = $5, confirmed_at = $6
		  WHERE id = $1`,
		s.ID, s.ActualCash, s.ActualCoins, s.Shortage, string(s.Status), now,
	)
	if err != nil {
		return nil, fmt.Errorf("update settlement: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE drivers SET floating_coins = $2 WHERE id = $1`,
		s.DriverID, s.ActualCoins,
	)
	if err != nil {
		return nil, fmt.Errorf("reset driver float: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return s, nil
}

// RejectSettlement возвращает сверку водителю на пересдачу.
func (r *PostgresRepository) RejectSettlement(ctx context.Context, id uuid.UUID, note string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE daily_settlements SET status = $2, note = $3
		  WHERE id = $1 AND status = $4`,
		id, string(model.SettlementStatusRejected), note, string(model.SettlementStatusPending),
	)
	if err != nil {
		return fmt.Errorf("reject settlement: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM daily_settlements WHERE id = $1)`, id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check settlement: %w", err)
		}
		if !exists {
			return ErrSettlementNotFound
		}
		return ErrSettlementNotPending
	}

	return nil
}

// SettlementSummary агрегирует только подтверждённые сверки за период.
func (r *PostgresRepository) SettlementSummary(ctx context.Context, from, to time.Time) (*model.SettlementSummary, error) {
	var sum model.SettlementSummary
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(expected_total), 0), COALESCE(SUM(actual_cash), 0),
		        COALESCE(SUM(actual_coins), 0), COALESCE(SUM(shortage), 0), COUNT(*)
		   FROM daily_settlements
		  WHERE status = $1 AND date >= $2::date AND date <= $3::date`,
		string(model.SettlementStatusConfirmed), from, to,
	).Scan(&sum.ExpectedTotal, &sum.ActualCash, &sum.ActualCoins, &sum.Shortage, &sum.Count)
	if err != nil {
		return nil, fmt.Errorf("settlement summary: %w", err)
	}
	return &sum, nil
}

// RepaySiteDebt выполняет разовое погашение стартового долга точки.
// Сумма сверх остатка отклоняется, а не обрезается.
func (r *PostgresRepository) RepaySiteDebt(ctx context.Context, siteID int64, amount int64) (int64, error) {
	return r.repayDebt(ctx, `sites`, `startup_debt_initial`, `startup_debt_remaining`, siteID, amount, ErrSiteNotFound)
}

// RepayDriverDebt выполняет разовое погашение личного долга водителя.
func (r *PostgresRepository) RepayDriverDebt(ctx context.Context, driverID int64, amount int64) (int64, error) {
	return r.repayDebt(ctx, `drivers`, `debt_initial`, `debt_remaining`, driverID, amount, ErrDriverNotFound)
}

func (r *PostgresRepository) repayDebt(ctx context.Context, table, initialCol, remainingCol string, id, amount int64, notFound error) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var pool debt.Pool
	err = tx.QueryRow(ctx,
		`SELECT `+initialCol+`, `+remainingCol+` FROM `+table+` WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&pool.Initial, &pool.Remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, notFound
		}
		return 0, fmt.Errorf("lock debt pool: %w", err)
	}

	if err := pool.ManualRepay(amount); err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE `+table+` SET `+remainingCol+` = $2 WHERE id = $1`,
		id, pool.Remaining,
	)
	if err != nil {
		return 0, fmt.Errorf("update debt pool: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return pool.Remaining, nil
}

// MonthlyDriverRevenue возвращает выручку и число транзакций водителя за месяц.
func (r *PostgresRepository) MonthlyDriverRevenue(ctx context.Context, driverID int64, year int, month time.Month) (int64, int, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	var revenue int64
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(revenue), 0), COUNT(*)
		   FROM transactions
		  WHERE driver_id = $1 AND recorded_at >= $2 AND recorded_at < $3`,
		driverID, from, to,
	).Scan(&revenue, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("monthly revenue: %w", err)
	}
	return revenue, count, nil
}

// InsertAILog добавляет запись аудита обращения к системе распознавания.
func (r *PostgresRepository) InsertAILog(ctx context.Context, l model.AILog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ai_logs (id, recorded_at, driver_id, query, response, model_used, image_url,
		        candidate_value, confidence, condition, site_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.RecordedAt, l.DriverID, l.Query, l.Response, l.ModelUsed, l.ImageURL,
		l.CandidateValue, l.Confidence, string(l.Condition), l.SiteID,
	)
	if err != nil {
		return fmt.Errorf("insert ai log: %w", err)
	}
	return nil
}

// Discrepancy — расхождение между распознанным и подтверждённым показанием.
type Discrepancy struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	SiteID         int64     `json:"site_id"`
	DriverID       int64     `json:"driver_id"`
	CandidateValue int64     `json:"candidate_value"`
	ConfirmedValue int64     `json:"confirmed_value"`
	Confidence     *float64  `json:"confidence,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// GetAIDiscrepancies возвращает транзакции, где подтверждённое показание
// разошлось с кандидатом системы распознавания. Кандидат хранится на самой
// транзакции (oracle_counter), поэтому отчёт не зависит от журнала ai_logs.
func (r *PostgresRepository) GetAIDiscrepancies(ctx context.Context, limit int) ([]Discrepancy, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, site_id, driver_id, oracle_counter, current_counter,
		        oracle_confidence, recorded_at
		   FROM transactions
		  WHERE oracle_counter IS NOT NULL AND oracle_counter <> current_counter
		  ORDER BY recorded_at DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select discrepancies: %w", err)
	}
	defer rows.Close()

	var res []Discrepancy
	for rows.Next() {
		var d Discrepancy
		if err := rows.Scan(&d.TransactionID, &d.SiteID, &d.DriverID,
			&d.CandidateValue, &d.ConfirmedValue, &d.Confidence, &d.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
