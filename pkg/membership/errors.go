package membership

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nao1215/appgate/pkg/httpclient"
)

// Kind は会員サービス呼び出しの失敗種別。
type Kind int

const (
	// KindTransport は接続失敗・タイムアウトなど、応答が得られなかったことを表す。
	KindTransport Kind = iota + 1
	// KindAuth は認証情報が拒否された（401/403）ことを表す。
	KindAuth
	// KindUpstream は会員サービスが401/403以外のエラーステータスを返したことを表す。
	KindUpstream
	// KindDecode はレスポンスを解釈できなかったことを表す。
	KindDecode
	// KindNotConfigured は認証情報が設定されていないことを表す。
	KindNotConfigured
)

// String は種別の名前を返す。
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindUpstream:
		return "upstream"
	case KindDecode:
		return "decode"
	case KindNotConfigured:
		return "not_configured"
	default:
		return "unknown"
	}
}

// ErrNotConfigured は会員サービスのクライアントIDまたはシークレットが未設定であることを表す。
var ErrNotConfigured = errors.New("会員サービスの認証情報が設定されていません")

// errEmptyAccessToken はトークン交換の応答にaccess_tokenが含まれていないことを表す。
var errEmptyAccessToken = errors.New("access_tokenが空です")

// ServiceError は会員サービス呼び出しの失敗。
type ServiceError struct {
	// Kind は失敗種別。
	Kind Kind
	// Op は失敗した操作（"token" や "contacts"）。
	Op string
	// StatusCode は会員サービスが返したステータスコード。応答が無い場合は0。
	StatusCode int
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("会員サービスの呼び出しに失敗 (op=%s, kind=%s, status=%d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("会員サービスの呼び出しに失敗 (op=%s, kind=%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// KindOf はエラーが *ServiceError であればその種別を返す。
func KindOf(err error) (Kind, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// classify はhttpclientのエラーを種別付きの *ServiceError に変換する。
func classify(op string, err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}

	var status *httpclient.StatusError
	switch {
	case errors.As(err, &status):
		kind := KindUpstream
		if status.StatusCode == http.StatusUnauthorized || status.StatusCode == http.StatusForbidden {
			kind = KindAuth
		}
		return &ServiceError{Kind: kind, Op: op, StatusCode: status.StatusCode, Err: err}
	case errors.Is(err, httpclient.ErrDecode):
		return &ServiceError{Kind: KindDecode, Op: op, Err: err}
	case errors.Is(err, ErrNotConfigured):
		return &ServiceError{Kind: KindNotConfigured, Op: op, Err: err}
	default:
		return &ServiceError{Kind: KindTransport, Op: op, Err: err}
	}
}
