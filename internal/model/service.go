package model

import "time"

// Service は予約可能な清掃サービスのカタログ項目を表す。
type Service struct {
	ID              int64
	Name            string
	Description     string
	PriceCents      int64
	DurationMinutes int
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
