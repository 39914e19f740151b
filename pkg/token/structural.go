package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StructuralVerifier はトークンの構造と有効期限のみを確認する検証器。
//
// 署名は検証しない。全リクエストの入口で低遅延に判定するための意図的な信頼境界であり、
// このVerifierが返したIdentityを根拠に副作用のある操作を許可してはならない。
type StructuralVerifier struct {
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewStructuralVerifier は新しいStructuralVerifierを生成する。
func NewStructuralVerifier() *StructuralVerifier {
	return &StructuralVerifier{now: time.Now}
}

// structuralPayload はペイロードのうち参照するフィールド。
// 主体識別子は歴史的に "uid" と "sub" の2つの名前が使われている。
type structuralPayload struct {
	UID   string   `json:"uid"`
	Sub   string   `json:"sub"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Exp   *float64 `json:"exp"`
}

// Trust は TrustStructural を返す。
func (v *StructuralVerifier) Trust() Trust {
	return TrustStructural
}

// Verify はトークンを "." で3つに分割し、2番目のセグメントをペイロードとして解釈する。
// 主体識別子と有効期限が必須で、現在時刻が有効期限以上なら無効とする。
func (v *StructuralVerifier) Verify(_ context.Context, raw string) (*Identity, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: セグメント数が %d です", ErrTokenInvalid, len(parts))
	}

	decoded, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: ペイロードのデコードに失敗: %v", ErrTokenInvalid, err)
	}

	var payload structuralPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("%w: ペイロードのパースに失敗: %v", ErrTokenInvalid, err)
	}

	subject := payload.UID
	if subject == "" {
		subject = payload.Sub
	}
	if subject == "" || payload.Exp == nil {
		return nil, fmt.Errorf("%w: 主体識別子または有効期限がありません", ErrTokenInvalid)
	}

	expiresAt := time.Unix(int64(*payload.Exp), 0)
	if !v.now().Before(expiresAt) {
		return nil, fmt.Errorf("%w: 有効期限切れです", ErrTokenInvalid)
	}

	return &Identity{
		SubjectID: subject,
		Email:     payload.Email,
		Name:      payload.Name,
		ExpiresAt: expiresAt,
	}, nil
}

// decodeSegment はbase64urlのセグメントをデコードする。
// パディングの有無と、URL用・標準のどちらのアルファベットも受け付ける。
func decodeSegment(seg string) ([]byte, error) {
	seg = strings.TrimRight(seg, "=")
	seg = strings.NewReplacer("-", "+", "_", "/").Replace(seg)
	return base64.RawStdEncoding.DecodeString(seg)
}
