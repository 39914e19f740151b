package membership

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nao1215/appgate/pkg/httpclient"
	"github.com/nao1215/appgate/pkg/metrics"
)

// tokenSafetyMargin はアクセストークンの有効期限から差し引く安全マージン。
const tokenSafetyMargin = 60 * time.Second

// tokenPath はトークン交換エンドポイントのパス。
const tokenPath = "/v1/oauth/token"

// tokenRequest はトークン交換のリクエストボディ。
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// tokenResponse はトークン交換のレスポンスボディ。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TokenSource は会員サービスのアクセストークンをキャッシュする。
// プロセス内で共有される唯一の可変状態であり、読み取り・期限確認・更新・書き込みを
// 1つのミューテックスで保護する。期限切れ後に同時に呼び出されても更新は1回だけ行われる。
type TokenSource struct {
	// client はトークン交換に使うHTTPクライアント。
	client *httpclient.Client
	// clientID はclient_credentialsのクライアントID。
	clientID string
	// clientSecret はclient_credentialsのクライアントシークレット。
	clientSecret string
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time

	// mu は accessToken と expiresAt を保護する。
	mu sync.Mutex
	// accessToken はキャッシュ中のアクセストークン。
	accessToken string
	// expiresAt は安全マージンを差し引き済みの有効期限。
	expiresAt time.Time
}

// NewTokenSource は新しいTokenSourceを生成する。
func NewTokenSource(client *httpclient.Client, clientID, clientSecret string) *TokenSource {
	return &TokenSource{
		client:       client,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

// Configured はクライアントIDとシークレットが設定されているかを返す。
func (s *TokenSource) Configured() bool {
	return s.clientID != "" && s.clientSecret != ""
}

// Token は有効なアクセストークンを返す。
// キャッシュが無いか期限切れの場合はトークン交換を行い、結果をキャッシュする。
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && s.now().Before(s.expiresAt) {
		return s.accessToken, nil
	}

	if !s.Configured() {
		return "", &ServiceError{Kind: KindNotConfigured, Op: "token", Err: ErrNotConfigured}
	}

	var resp tokenResponse
	err := s.client.PostJSON(ctx, tokenPath, tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
	}, &resp)
	if err != nil {
		metrics.MembershipTokenRefresh.WithLabelValues("error").Inc()
		log.Printf("[Membership] アクセストークンの取得に失敗: %v", err)
		return "", classify("token", err)
	}
	if resp.AccessToken == "" {
		metrics.MembershipTokenRefresh.WithLabelValues("error").Inc()
		return "", &ServiceError{Kind: KindDecode, Op: "token", Err: errEmptyAccessToken}
	}

	s.accessToken = resp.AccessToken
	s.expiresAt = s.now().Add(time.Duration(resp.ExpiresIn)*time.Second - tokenSafetyMargin)
	metrics.MembershipTokenRefresh.WithLabelValues("success").Inc()
	log.Printf("[Membership] アクセストークンを更新しました (expires_in=%ds)", resp.ExpiresIn)
	return s.accessToken, nil
}

// Invalidate はキャッシュ中のアクセストークンを破棄する。
// 会員サービスがトークンを拒否した場合に呼び出す。
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessToken = ""
	s.expiresAt = time.Time{}
}
