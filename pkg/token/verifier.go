package token

import (
	"context"
	"errors"
	"time"
)

// ErrTokenInvalid はトークンが不正（形式不正、署名不一致、期限切れなど）であることを表す。
// どの検証器でも外部に見える結果は同じで、リダイレクトまたは401になる。
var ErrTokenInvalid = errors.New("トークンが無効です")

// Trust は検証器が保証する信頼度。
type Trust int

const (
	// TrustStructural は構造と有効期限のみを確認したことを表す。署名は未検証。
	TrustStructural Trust = iota + 1
	// TrustCryptographic は署名を暗号学的に検証したことを表す。
	TrustCryptographic
)

// String は信頼度の名前を返す。
func (t Trust) String() string {
	switch t {
	case TrustStructural:
		return "structural"
	case TrustCryptographic:
		return "cryptographic"
	default:
		return "unknown"
	}
}

// Identity は検証済みトークンから取り出した正規化済みの身元情報。永続化しない。
type Identity struct {
	// SubjectID はユーザーの一意識別子。
	SubjectID string
	// Email はユーザーのメールアドレス。
	Email string
	// Name はユーザーの表示名。
	Name string
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time
}

// Verifier はトークンを検証して身元情報を返す。
type Verifier interface {
	// Verify はトークンを検証する。不正な場合は ErrTokenInvalid をラップしたエラーを返す。
	Verify(ctx context.Context, raw string) (*Identity, error)
	// Trust はこの検証器が保証する信頼度を返す。
	Trust() Trust
}
