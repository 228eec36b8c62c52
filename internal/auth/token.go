// Package auth はJWTアクセストークンの発行と検証を提供する。
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/cleanbook/internal/model"
)

// ErrInvalidToken はトークンが不正・期限切れ・署名不一致の場合に返される。
var ErrInvalidToken = errors.New("invalid token")

const issuer = "cleanbook"

// Claims はアクセストークンのクレーム。subにユーザーIDを文字列で格納する。
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Principal はトークンから復元した認証済みユーザー。
type Principal struct {
	UserID int64
	Role   model.Role
}

// TokenService はHS256署名のアクセストークンを発行・検証する。
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService はTokenServiceを生成する。
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue は指定ユーザーのアクセストークンを発行する。
func (s *TokenService) Issue(userID int64, role model.Role) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("invalid user id: %d", userID)
	}
	if !role.Valid() {
		return "", fmt.Errorf("invalid role: %q", role)
	}

	now := s.now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse はトークンを検証し、Principalを返す。
// 署名方式がHMAC以外、期限切れ、subやroleが不正な場合はErrInvalidTokenを返す。
func (s *TokenService) Parse(tokenString string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, claims.Subject)
	}
	role := model.Role(claims.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: bad role %q", ErrInvalidToken, claims.Role)
	}

	return &Principal{UserID: userID, Role: role}, nil
}
