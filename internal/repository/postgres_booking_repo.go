package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/cleanbook/internal/model"
)

// PostgresBookingRepo はPostgreSQLを使用した予約リポジトリ。
type PostgresBookingRepo struct {
	db *sql.DB
}

// NewPostgresBookingRepo はPostgresBookingRepoを生成する。
func NewPostgresBookingRepo(db *sql.DB) *PostgresBookingRepo {
	return &PostgresBookingRepo{db: db}
}

const bookingColumns = `b.id, b.user_id, b.service_id, b.employee_id, b.scheduled_date, b.status,
	b.address, b.city, b.notes, b.created_at, b.updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(s rowScanner, extra ...any) (*model.Booking, error) {
	b := &model.Booking{}
	var employeeID sql.NullInt64
	dest := []any{
		&b.ID, &b.UserID, &b.ServiceID, &employeeID, &b.ScheduledDate, &b.Status,
		&b.Address, &b.City, &b.Notes, &b.CreatedAt, &b.UpdatedAt,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if employeeID.Valid {
		id := employeeID.Int64
		b.EmployeeID = &id
	}
	return b, nil
}

func scanBookings(rows *sql.Rows) ([]*model.Booking, error) {
	defer rows.Close()

	var bookings []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("予約の読み取りに失敗しました: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("予約一覧の走査に失敗しました: %w", err)
	}
	return bookings, nil
}

// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
func (r *PostgresBookingRepo) FindByID(ctx context.Context, id int64) (*model.Booking, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings b WHERE b.id = $1`,
		id,
	)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("予約の取得に失敗しました: %w", err)
	}
	return b, nil
}

// FindDetailByID はサービス名・顧客名・担当スタッフ名を結合した予約を取得する。
func (r *PostgresBookingRepo) FindDetailByID(ctx context.Context, id int64) (*model.BookingDetail, error) {
	var serviceName, customerName, employeeName sql.NullString
	row := r.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+`, s.name, c.name, e.name
		 FROM bookings b
		 LEFT JOIN services s ON s.id = b.service_id
		 LEFT JOIN users c ON c.id = b.user_id
		 LEFT JOIN users e ON e.id = b.employee_id
		 WHERE b.id = $1`,
		id,
	)
	b, err := scanBooking(row, &serviceName, &customerName, &employeeName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("予約詳細の取得に失敗しました: %w", err)
	}
	return &model.BookingDetail{
		Booking:      *b,
		ServiceName:  serviceName.String,
		CustomerName: customerName.String,
		EmployeeName: employeeName.String,
	}, nil
}

// ListByEmployee は指定スタッフに割り当てられた予約をすべて返す。
func (r *PostgresBookingRepo) ListByEmployee(ctx context.Context, employeeID int64) ([]*model.Booking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings b
		 WHERE b.employee_id = $1
		 ORDER BY b.scheduled_date ASC`,
		employeeID,
	)
	if err != nil {
		return nil, fmt.Errorf("スタッフの予約一覧の取得に失敗しました: %w", err)
	}
	return scanBookings(rows)
}

// ListByUser は顧客の予約を新しい順に最大limit件返す。
func (r *PostgresBookingRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Booking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings b
		 WHERE b.user_id = $1
		 ORDER BY b.scheduled_date DESC, b.id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("顧客の予約一覧の取得に失敗しました: %w", err)
	}
	return scanBookings(rows)
}

// ListAll は全予約を新しい順に最大limit件返す。
func (r *PostgresBookingRepo) ListAll(ctx context.Context, limit int) ([]*model.Booking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings b
		 ORDER BY b.scheduled_date DESC, b.id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("予約一覧の取得に失敗しました: %w", err)
	}
	return scanBookings(rows)
}

// ListPendingUnassigned は割り当て待ちのまま残っているpending予約を作成順に返す。
func (r *PostgresBookingRepo) ListPendingUnassigned(ctx context.Context, createdBefore, notBefore time.Time, limit int) ([]*model.Booking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings b
		 WHERE b.status = 'pending'
		   AND b.employee_id IS NULL
		   AND b.created_at <= $1
		   AND b.scheduled_date >= $2
		 ORDER BY b.created_at ASC
		 LIMIT $3`,
		createdBefore, notBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("割り当て待ち予約の取得に失敗しました: %w", err)
	}
	return scanBookings(rows)
}

// Create は予約を作成し、採番されたIDとタイムスタンプをbookingに設定する。
func (r *PostgresBookingRepo) Create(ctx context.Context, booking *model.Booking) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO bookings (user_id, service_id, employee_id, scheduled_date, status, address, city, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		booking.UserID, booking.ServiceID, nullInt64(booking.EmployeeID), booking.ScheduledDate,
		booking.Status, booking.Address, booking.City, booking.Notes,
	).Scan(&booking.ID, &booking.CreatedAt, &booking.UpdatedAt)
	if err != nil {
		return fmt.Errorf("予約の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は予約を部分更新する。nilフィールドは変更しない。
func (r *PostgresBookingRepo) Update(ctx context.Context, id int64, update model.BookingUpdate) error {
	query, args := buildBookingUpdate(id, update)
	if query == "" {
		return nil
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("予約の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if update.IfStatus != nil {
			return fmt.Errorf("booking %d: %w", id, ErrBookingChanged)
		}
		return fmt.Errorf("booking not found: %d", id)
	}
	return nil
}

// buildBookingUpdate は部分更新用のUPDATE文と引数を組み立てる。
// 更新対象がない場合は空文字列を返す。
func buildBookingUpdate(id int64, update model.BookingUpdate) (string, []any) {
	var sets []string
	args := []any{id}

	if update.EmployeeID != nil {
		args = append(args, *update.EmployeeID)
		sets = append(sets, fmt.Sprintf("employee_id = $%d", len(args)))
	}
	if update.Status != nil {
		args = append(args, string(*update.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(sets) == 0 {
		return "", nil
	}

	sets = append(sets, "updated_at = now()")
	where := "id = $1"
	if update.IfStatus != nil {
		args = append(args, string(*update.IfStatus))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	return `UPDATE bookings SET ` + strings.Join(sets, ", ") + ` WHERE ` + where, args
}

// TransitionStatus は現在のステータスがfromの場合のみtoへ更新する。
func (r *PostgresBookingRepo) TransitionStatus(ctx context.Context, id int64, from, to model.BookingStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return false, fmt.Errorf("予約ステータスの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// CancelExpiredPending は予約日時がbefore以前のpending予約をcancelledにし、件数を返す。
func (r *PostgresBookingRepo) CancelExpiredPending(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET status = 'cancelled', updated_at = now()
		 WHERE status = 'pending' AND scheduled_date < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れ予約のキャンセルに失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// nullInt64 は*int64をsql.NullInt64に変換する。
func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

var _ BookingRepository = (*PostgresBookingRepo)(nil)
