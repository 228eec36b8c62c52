// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの権限ロールを表す。
type Role string

const (
	// RoleCustomer はサービスを予約する顧客。
	RoleCustomer Role = "customer"
	// RoleEmployee は予約を担当する清掃スタッフ。
	RoleEmployee Role = "employee"
	// RoleAdmin はサービス・スタッフ・予約を管理する管理者。
	RoleAdmin Role = "admin"
)

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleEmployee, RoleAdmin:
		return true
	}
	return false
}

// User はサービス利用ユーザーを表す。
// スタッフはRoleEmployeeを持つUserとして表現する。
type User struct {
	ID        int64
	Email     string
	Name      string
	Phone     string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}
