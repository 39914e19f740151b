package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionTTL はGatewayが発行するセッショントークンの有効期間。
const SessionTTL = 7 * 24 * time.Hour

// sessionIssuer はGatewayが発行するトークンのiss。
const sessionIssuer = "appgate"

// SessionClaims はGatewayが発行するセッショントークンのクレーム。
// ユーザーIDはsub（RegisteredClaims.Subject）に格納する。
type SessionClaims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Name はユーザーの表示名。
	Name string `json:"name,omitempty"`
}

// SessionSigner はローカルログイン用のセッショントークンをHMAC-SHA256で署名・検証する。
// 署名は base64url(header) + "." + base64url(payload) に対して計算する。
type SessionSigner struct {
	// secret は署名に使うサーバー側の秘密鍵。
	secret []byte
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewSessionSigner は新しいSessionSignerを生成する。
func NewSessionSigner(secret string) *SessionSigner {
	return &SessionSigner{secret: []byte(secret), now: time.Now}
}

// Sign はユーザー情報からセッショントークンを生成する。
// iatは現在時刻、expはiatの7日後に設定する。
func (s *SessionSigner) Sign(userID, email, name string) (string, error) {
	now := s.now().Truncate(time.Second)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
		},
		Email: email,
		Name:  name,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("セッショントークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Parse は署名を再計算して照合し、クレームを返す。
// 署名不一致、HS256以外のアルゴリズム、期限切れはすべて ErrTokenInvalid になる。
func (s *SessionSigner) Parse(raw string) (*SessionClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	claims := &SessionClaims{}
	token, err := parser.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subがありません", ErrTokenInvalid)
	}
	return claims, nil
}

// Trust は TrustCryptographic を返す。
func (s *SessionSigner) Trust() Trust {
	return TrustCryptographic
}

// Verify はセッショントークンを検証し、身元情報を返す。
func (s *SessionSigner) Verify(_ context.Context, raw string) (*Identity, error) {
	claims, err := s.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Identity{
		SubjectID: claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
