package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/cleanbook/internal/model"
)

// PostgresServiceRepo はPostgreSQLを使用したサービスカタログリポジトリ。
type PostgresServiceRepo struct {
	db *sql.DB
}

// NewPostgresServiceRepo はPostgresServiceRepoを生成する。
func NewPostgresServiceRepo(db *sql.DB) *PostgresServiceRepo {
	return &PostgresServiceRepo{db: db}
}

// FindByID は指定IDのサービスを取得する。見つからない場合はnilを返す。
func (r *PostgresServiceRepo) FindByID(ctx context.Context, id int64) (*model.Service, error) {
	svc := &model.Service{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, price_cents, duration_minutes, active, created_at, updated_at
		 FROM services WHERE id = $1`,
		id,
	).Scan(&svc.ID, &svc.Name, &svc.Description, &svc.PriceCents, &svc.DurationMinutes,
		&svc.Active, &svc.CreatedAt, &svc.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("サービスの取得に失敗しました: %w", err)
	}

	return svc, nil
}

// ListActive は予約受付中のサービスを名前順で返す。
func (r *PostgresServiceRepo) ListActive(ctx context.Context) ([]*model.Service, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, description, price_cents, duration_minutes, active, created_at, updated_at
		 FROM services WHERE active = true ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("サービス一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var services []*model.Service
	for rows.Next() {
		svc := &model.Service{}
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Description, &svc.PriceCents, &svc.DurationMinutes,
			&svc.Active, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("サービスの読み取りに失敗しました: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("サービス一覧の走査に失敗しました: %w", err)
	}

	return services, nil
}

var _ ServiceRepository = (*PostgresServiceRepo)(nil)
