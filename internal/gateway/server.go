package gateway

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/appgate/pkg/membership"
	"github.com/nao1215/appgate/pkg/middleware"
	"github.com/nao1215/appgate/pkg/proxy"
	"github.com/nao1215/appgate/pkg/registry"
	"github.com/nao1215/appgate/pkg/token"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// appDirectory はテナント名から転送先を解決するレジストリ。
type appDirectory interface {
	Resolve(rawName string) (registry.AppEntry, error)
	List() ([]registry.AppEntry, error)
	Names() []string
	Reload() (int, error)
}

// components はサーバーが依存する部品。テストでは差し替える。
type components struct {
	// apps はテナントのレジストリ。
	apps appDirectory
	// forwarder は上流オリジンへの転送を行う。
	forwarder *proxy.Forwarder
	// edgeTokens は全リクエストで使うIDトークンCookieの検証器。
	edgeTokens token.Verifier
	// idTokens はログイン・登録時に使うIDトークンの完全な検証器。
	idTokens token.Verifier
	// sessions はローカルセッショントークンの署名器。
	sessions *token.SessionSigner
	// gate は会員ディレクトリの照会ポリシー。
	gate *membership.Gate
	// users はローカル登録ユーザーのストア。
	users *UserStore
	// db はユーザーストアのデータベース接続。ヘルスチェックに使う。
	db *sql.DB
}

// Server はGatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバーの設定。
	cfg Config
	components
}

// NewServer は設定から全ての部品を組み立てて新しいGatewayサーバーを生成する。
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}

	dsn := cfg.DatabasePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := initSchema(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	memberClient := membership.NewClient(membership.Config{
		BaseURL:      cfg.MembershipURL,
		ClientID:     cfg.MembershipClientID,
		ClientSecret: cfg.MembershipClientSecret,
		Timeout:      cfg.MembershipTimeout,
	})
	if !memberClient.Configured() {
		log.Printf("[Gateway] 会員サービスの認証情報が未設定です。フォールバックディレクトリで照会します")
	}

	comps := components{
		apps:       registry.NewFromFile(cfg.AppsConfigPath),
		forwarder:  proxy.NewForwarder(cfg.ProxyTimeout),
		edgeTokens: token.NewStructuralVerifier(),
		idTokens: token.NewFirebaseVerifier(token.FirebaseConfig{
			ProjectID: cfg.FirebaseProjectID,
			CertsURL:  cfg.FirebaseCertsURL,
		}),
		sessions: token.NewSessionSigner(cfg.SessionSecret),
		gate:     membership.NewGate(memberClient),
		users:    NewUserStore(sqlDB),
		db:       sqlDB,
	}

	s, err := newServer(cfg, comps)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// newServer は組み立て済みの部品からサーバーを生成する。
func newServer(cfg Config, comps components) (*Server, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.Gateway(middleware.GatewayConfig{
		IDTokenVerifier: comps.edgeTokens,
		SessionVerifier: comps.sessions,
	}))

	s := &Server{router: router, cfg: cfg, components: comps}
	s.setupRoutes()
	return s, nil
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェックとメトリクス
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// テナント一覧
	s.router.GET("/apps", s.handleListApps())
	s.router.GET("/api/apps", s.handleListApps())

	// テナントへの転送
	for _, prefix := range []string{"/proxy", "/api/proxy"} {
		h := s.handleProxy(prefix + "/")
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
			s.router.Handle(method, prefix+"/*path", h)
		}
	}

	// 認証エンドポイント（Gatewayミドルウェアの公開パス）
	auth := s.router.Group("/api/auth")
	{
		auth.POST("/firebase-login", s.handleFirebaseLogin())
		auth.POST("/firebase-register", s.handleFirebaseRegister())
		auth.POST("/logout", s.handleLogout())
		auth.POST("/login", s.handlePasswordLogin())
		auth.POST("/register", s.handleRegister())
		auth.POST("/check-membership", s.handleCheckMembership())
	}

	s.router.GET("/api/me", s.handleMe())

	if s.cfg.AdminToken != "" {
		admin := s.router.Group("/api/admin")
		admin.Use(s.requireAdminToken())
		{
			admin.POST("/apps/reload", s.handleReloadApps())
		}
	}
}

// handleHealth はヘルスチェックのハンドラを返す。
// ?detail を付けるとデータベースと会員サービスの状態も確認する。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.GetQuery("detail"); !ok {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := gin.H{"apps": len(s.apps.Names())}

		if err := s.db.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}

		// 会員サービスの障害はフォールバックで継続できるため503にはしない
		switch err := s.gate.Ready(ctx); {
		case err == nil:
			checks["membership"] = "ok"
		case errors.Is(err, membership.ErrNotConfigured):
			checks["membership"] = "not_configured"
		default:
			checks["membership"] = err.Error()
		}

		state := "ok"
		if status != http.StatusOK {
			state = "unavailable"
		}
		c.JSON(status, gin.H{"status": state, "service": "gateway", "checks": checks})
	}
}

// appView は /apps のレスポンス要素。
type appView struct {
	Name      string `json:"name"`
	TargetURL string `json:"target_url"`
	Slug      string `json:"slug"`
}

// handleListApps は登録済みテナントの一覧を返すハンドラを返す。
func (s *Server) handleListApps() gin.HandlerFunc {
	return func(c *gin.Context) {
		apps, err := s.apps.List()
		if err != nil {
			log.Printf("[Gateway] アプリ一覧の取得に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アプリ一覧の取得に失敗しました"})
			return
		}
		views := make([]appView, 0, len(apps))
		for _, app := range apps {
			views = append(views, appView{Name: app.Name, TargetURL: app.TargetURL, Slug: app.Slug()})
		}
		c.JSON(http.StatusOK, gin.H{"apps": views})
	}
}

// handleMe は認証済みユーザーの身元情報を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "認証されていません"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user":  userView{ID: identity.SubjectID, Email: identity.Email, Name: identity.Name},
			"trust": middleware.GetTrust(c).String(),
		})
	}
}

// requireAdminToken は管理APIのBearerトークンを検証するミドルウェアを返す。
func (s *Server) requireAdminToken() gin.HandlerFunc {
	expected := []byte(s.cfg.AdminToken)
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(raw), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "管理トークンが無効です"})
			return
		}
		c.Next()
	}
}

// handleReloadApps はアプリ設定を再読み込みするハンドラを返す。
func (s *Server) handleReloadApps() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.apps.Reload()
		if err != nil {
			log.Printf("[Gateway] アプリ設定の再読み込みに失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "apps": n})
			return
		}
		log.Printf("[Gateway] アプリ設定を再読み込みしました: apps=%d", n)
		c.JSON(http.StatusOK, gin.H{"apps": n})
	}
}
