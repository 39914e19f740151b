package middleware

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/appgate/pkg/metrics"
	"github.com/nao1215/appgate/pkg/token"
)

const (
	// IDTokenCookie は外部IDプロバイダのIDトークンを保持するCookie名。
	IDTokenCookie = "firebase-token"
	// SessionCookie はローカルログインで発行したセッショントークンを保持するCookie名。
	SessionCookie = "auth-token"

	// HeaderUserID は下流に渡すユーザーIDヘッダー。
	HeaderUserID = "X-User-Id"
	// HeaderUserEmail は下流に渡すメールアドレスヘッダー。
	HeaderUserEmail = "X-User-Email"
	// HeaderUserName は下流に渡す表示名ヘッダー。
	HeaderUserName = "X-User-Name"

	// identityPrefix はGatewayが管理する身元ヘッダーの接頭辞（正規化済み）。
	identityPrefix = "X-User-"

	// contextKeyIdentity はGinコンテキストに身元情報を格納するキー。
	contextKeyIdentity = "identity"
	// contextKeyTrust はGinコンテキストに検証の信頼度を格納するキー。
	contextKeyTrust = "identity_trust"
)

// DefaultPublicPaths はトークン検証を行わないパスの接頭辞。
var DefaultPublicPaths = []string{
	"/api/auth",
	"/api/login",
	"/_next/static",
	"/_next/image",
	"/favicon.ico",
	"/login",
	"/register",
	"/health",
	"/metrics",
	"/api/admin",
}

// GatewayConfig はGatewayミドルウェアの設定。
type GatewayConfig struct {
	// IDTokenVerifier はIDトークンCookieの検証器。全リクエストで呼ばれるため構造検証を想定する。
	IDTokenVerifier token.Verifier
	// SessionVerifier はセッションCookieの検証器。nilの場合セッションCookieは受け付けない。
	SessionVerifier token.Verifier
	// PublicPaths はトークン検証を行わないパスの接頭辞。nilの場合は DefaultPublicPaths。
	PublicPaths []string
	// LoginPath は未認証時のリダイレクト先。空の場合は "/login"。
	LoginPath string
}

// Gateway は全リクエストの入口で認証Cookieを検証するGinミドルウェアを返す。
//
// 公開パスはそのまま通す。それ以外はIDトークンCookie、次にセッションCookieの順に検証し、
// 成功すればクライアントが送ってきた X-User-* ヘッダーを取り除いたうえで
// 検証済みの身元情報を X-User-Id / X-User-Email / X-User-Name に設定する。
// Cookieが無い、または検証に失敗した場合はログインページにリダイレクトする。
func Gateway(cfg GatewayConfig) gin.HandlerFunc {
	publicPaths := cfg.PublicPaths
	if publicPaths == nil {
		publicPaths = DefaultPublicPaths
	}
	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = "/login"
	}

	return func(c *gin.Context) {
		stripIdentityHeaders(c.Request.Header)

		path := c.Request.URL.Path
		if isPublicPath(path, publicPaths) {
			metrics.GatewayDecisions.WithLabelValues("public").Inc()
			c.Next()
			return
		}

		creds := presentedCredentials(c, cfg)
		if len(creds) == 0 {
			metrics.GatewayDecisions.WithLabelValues("no_token").Inc()
			redirectToLogin(c, loginPath)
			return
		}

		// IDトークンが期限切れでもセッションCookieが有効なら通す
		var (
			identity *token.Identity
			verifier token.Verifier
		)
		for _, cred := range creds {
			id, err := cred.verifier.Verify(c.Request.Context(), cred.raw)
			if err != nil {
				log.Printf("[Gateway] トークンの検証に失敗: path=%s, trust=%s, err=%v", path, cred.verifier.Trust(), err)
				continue
			}
			identity, verifier = id, cred.verifier
			break
		}
		if identity == nil {
			metrics.GatewayDecisions.WithLabelValues("invalid").Inc()
			redirectToLogin(c, loginPath)
			return
		}

		metrics.GatewayDecisions.WithLabelValues("allowed").Inc()
		c.Request.Header.Set(HeaderUserID, identity.SubjectID)
		c.Request.Header.Set(HeaderUserEmail, identity.Email)
		c.Request.Header.Set(HeaderUserName, identity.Name)
		c.Set(contextKeyIdentity, identity)
		c.Set(contextKeyTrust, verifier.Trust())
		c.Next()
	}
}

// credential は検証するCookieの値とその検証器。
type credential struct {
	verifier token.Verifier
	raw      string
}

// presentedCredentials はリクエストに含まれる認証Cookieを検証する順に返す。
// IDトークンCookieを優先し、次にセッションCookieを試す。
func presentedCredentials(c *gin.Context, cfg GatewayConfig) []credential {
	var creds []credential
	if raw, err := c.Cookie(IDTokenCookie); err == nil && raw != "" && cfg.IDTokenVerifier != nil {
		creds = append(creds, credential{verifier: cfg.IDTokenVerifier, raw: raw})
	}
	if raw, err := c.Cookie(SessionCookie); err == nil && raw != "" && cfg.SessionVerifier != nil {
		creds = append(creds, credential{verifier: cfg.SessionVerifier, raw: raw})
	}
	return creds
}

// isPublicPath はパスが公開パスの接頭辞に一致するかを返す。
func isPublicPath(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// stripIdentityHeaders はクライアントが送ってきた身元ヘッダーを取り除く。
func stripIdentityHeaders(h http.Header) {
	for key := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(key), identityPrefix) {
			h.Del(key)
		}
	}
}

// redirectToLogin は元のパスを next クエリに付けてログインページにリダイレクトする。
func redirectToLogin(c *gin.Context, loginPath string) {
	location := loginPath + "?next=" + url.QueryEscape(c.Request.URL.RequestURI())
	c.Redirect(http.StatusTemporaryRedirect, location)
	c.Abort()
}

// GetIdentity はGinコンテキストから検証済みの身元情報を取得する。
// Gatewayミドルウェアが事前に適用されている必要がある。
func GetIdentity(c *gin.Context) (*token.Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*token.Identity)
	return identity, ok
}

// GetTrust はGinコンテキストから身元情報の検証の信頼度を取得する。
func GetTrust(c *gin.Context) token.Trust {
	v, _ := c.Get(contextKeyTrust)
	trust, _ := v.(token.Trust)
	return trust
}
