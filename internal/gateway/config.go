package gateway

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/appgate/pkg/membership"
	"github.com/nao1215/appgate/pkg/token"
)

// devSessionSecret は開発環境で使うセッション署名鍵。本番環境では使用できない。
const devSessionSecret = "dev-secret-key"

// minSessionSecretLen は本番環境で要求するセッション署名鍵の最小長。
const minSessionSecretLen = 32

// Config はGatewayサーバーの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// Production は本番環境かどうか。Cookieのsecure属性と設定検証に影響する。
	Production bool
	// SessionSecret はローカルセッショントークンの署名鍵。
	SessionSecret string
	// AppsConfigPath はテナント一覧の設定ファイルのパス。
	AppsConfigPath string
	// DatabasePath はユーザーストアのSQLiteファイルのパス。
	DatabasePath string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシのアドレス。
	TrustedProxies []string
	// ProxyTimeout は上流への転送のタイムアウト。
	ProxyTimeout time.Duration
	// FirebaseProjectID はIDトークンのaud/issの検証に使うプロジェクトID。
	FirebaseProjectID string
	// FirebaseCertsURL はIDトークンの署名証明書の取得先。
	FirebaseCertsURL string
	// MembershipURL は会員サービスAPIのベースURL。
	MembershipURL string
	// MembershipClientID は会員サービスのクライアントID。
	MembershipClientID string
	// MembershipClientSecret は会員サービスのクライアントシークレット。
	MembershipClientSecret string
	// MembershipTimeout は会員サービス呼び出しのタイムアウト。
	MembershipTimeout time.Duration
	// AdminToken は管理APIのBearerトークン。空の場合は管理APIを公開しない。
	AdminToken string
}

// LoadConfig は環境変数から設定を読み込む。
// シークレットは KEY_FILE 形式でファイルから読み込むこともできる。
func LoadConfig() (Config, error) {
	return loadConfig(os.LookupEnv, os.ReadFile)
}

// envReader は環境変数の読み取り処理。
type envReader struct {
	lookup   func(string) (string, bool)
	readFile func(string) ([]byte, error)
	errs     []error
}

// get は環境変数を取得し、設定されていない場合はデフォルト値を返す。
// KEYが空で KEY_FILE が設定されている場合はそのファイルの内容を使う。
func (r *envReader) get(key, defaultValue string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	if path, ok := r.lookup(key + "_FILE"); ok && path != "" {
		b, err := r.readFile(path)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s_FILE の読み込みに失敗: %w", key, err))
			return defaultValue
		}
		return strings.TrimSpace(string(b))
	}
	return defaultValue
}

// getDuration は環境変数をtime.Durationとして取得する。
func (r *envReader) getDuration(key string, defaultValue time.Duration) time.Duration {
	v := r.get(key, "")
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s の値が不正です: %w", key, err))
		return defaultValue
	}
	return d
}

// getBool は環境変数を真偽値として取得する。
func (r *envReader) getBool(key string, defaultValue bool) bool {
	v := r.get(key, "")
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s の値が不正です: %w", key, err))
		return defaultValue
	}
	return b
}

// getList はカンマ区切りの環境変数を取得する。
func (r *envReader) getList(key, defaultValue string) []string {
	var out []string
	for _, v := range strings.Split(r.get(key, defaultValue), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// loadConfig は指定した環境変数の取得関数から設定を読み込む。
func loadConfig(lookup func(string) (string, bool), readFile func(string) ([]byte, error)) (Config, error) {
	r := &envReader{lookup: lookup, readFile: readFile}

	production := r.get("APP_ENV", "development") == "production"
	cfg := Config{
		Port:                   r.get("PORT", "8080"),
		Production:             r.getBool("PRODUCTION", production),
		SessionSecret:          r.get("JWT_SECRET", devSessionSecret),
		AppsConfigPath:         r.get("APPS_CONFIG", "config/apps.yaml"),
		DatabasePath:           r.get("DATABASE_PATH", "/data/gateway.db"),
		AllowedOrigins:         r.getList("FRONTEND_URL", "http://localhost:3000"),
		TrustedProxies:         r.getList("TRUSTED_PROXIES", ""),
		ProxyTimeout:           r.getDuration("PROXY_TIMEOUT", 30*time.Second),
		FirebaseProjectID:      r.get("FIREBASE_PROJECT_ID", ""),
		FirebaseCertsURL:       r.get("FIREBASE_CERTS_URL", token.DefaultFirebaseCertsURL),
		MembershipURL:          r.get("MEMBERSHIP_API_URL", membership.DefaultBaseURL),
		MembershipClientID:     r.get("MEMBERSHIP_CLIENT_ID", ""),
		MembershipClientSecret: r.get("MEMBERSHIP_CLIENT_SECRET", ""),
		MembershipTimeout:      r.getDuration("MEMBERSHIP_TIMEOUT", 10*time.Second),
		AdminToken:             r.get("ADMIN_TOKEN", ""),
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

// Validate は設定の整合性を検証する。
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT が空です"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH が空です"))
	}
	if c.AppsConfigPath == "" {
		errs = append(errs, errors.New("APPS_CONFIG が空です"))
	}
	if c.ProxyTimeout < 0 {
		errs = append(errs, errors.New("PROXY_TIMEOUT が負の値です"))
	}
	if c.SessionSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET が空です"))
	}
	if c.Production {
		if c.SessionSecret == devSessionSecret || len(c.SessionSecret) < minSessionSecretLen {
			errs = append(errs, fmt.Errorf("本番環境では %d 文字以上の JWT_SECRET が必要です", minSessionSecretLen))
		}
		if c.FirebaseProjectID == "" {
			errs = append(errs, errors.New("本番環境では FIREBASE_PROJECT_ID が必要です"))
		}
	}
	return errors.Join(errs...)
}
