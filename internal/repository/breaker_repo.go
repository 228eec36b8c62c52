package repository

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/hitoshi/cleanbook/internal/model"
)

// BreakerBookingRepo は割り当て処理が参照する読み取り系メソッドをサーキットブレーカーで保護する。
// 書き込み系は内包するリポジトリへそのまま委譲する。
type BreakerBookingRepo struct {
	BookingRepository
	cb *gobreaker.CircuitBreaker
}

// NewBreakerBookingRepo はBreakerBookingRepoを生成する。
func NewBreakerBookingRepo(inner BookingRepository, cb *gobreaker.CircuitBreaker) *BreakerBookingRepo {
	return &BreakerBookingRepo{BookingRepository: inner, cb: cb}
}

// FindByID は指定IDの予約を取得する。
func (r *BreakerBookingRepo) FindByID(ctx context.Context, id int64) (*model.Booking, error) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		return r.BookingRepository.FindByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	b, _ := v.(*model.Booking)
	return b, nil
}

// FindDetailByID は結合済みの予約詳細を取得する。
func (r *BreakerBookingRepo) FindDetailByID(ctx context.Context, id int64) (*model.BookingDetail, error) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		return r.BookingRepository.FindDetailByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	d, _ := v.(*model.BookingDetail)
	return d, nil
}

// ListByEmployee はスタッフの予約一覧を取得する。
func (r *BreakerBookingRepo) ListByEmployee(ctx context.Context, employeeID int64) ([]*model.Booking, error) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		return r.BookingRepository.ListByEmployee(ctx, employeeID)
	})
	if err != nil {
		return nil, err
	}
	list, _ := v.([]*model.Booking)
	return list, nil
}

// BreakerUserRepo はユーザー参照をサーキットブレーカーで保護する。
type BreakerUserRepo struct {
	inner UserRepository
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerUserRepo はBreakerUserRepoを生成する。
func NewBreakerUserRepo(inner UserRepository, cb *gobreaker.CircuitBreaker) *BreakerUserRepo {
	return &BreakerUserRepo{inner: inner, cb: cb}
}

// FindByID は指定IDのユーザーを取得する。
func (r *BreakerUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		return r.inner.FindByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	u, _ := v.(*model.User)
	return u, nil
}

// ListByRole は指定ロールのユーザー一覧を取得する。
func (r *BreakerUserRepo) ListByRole(ctx context.Context, role model.Role) ([]*model.User, error) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		return r.inner.ListByRole(ctx, role)
	})
	if err != nil {
		return nil, err
	}
	list, _ := v.([]*model.User)
	return list, nil
}

var (
	_ BookingRepository = (*BreakerBookingRepo)(nil)
	_ UserRepository    = (*BreakerUserRepo)(nil)
)
