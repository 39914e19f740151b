package token

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultFirebaseCertsURL はFirebase IDトークンの署名証明書を公開しているURL。
const DefaultFirebaseCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

// defaultCertsMaxAge はCache-Controlが無い場合の証明書キャッシュ期間。
const defaultCertsMaxAge = time.Hour

// FirebaseConfig はFirebaseVerifierの設定。
type FirebaseConfig struct {
	// ProjectID はFirebaseプロジェクトID。audとissの検証に使う。
	ProjectID string
	// CertsURL は署名証明書の取得先。空の場合は DefaultFirebaseCertsURL。
	CertsURL string
	// HTTPClient は証明書の取得に使うクライアント。nilの場合は10秒タイムアウトのクライアント。
	HTTPClient *http.Client
	// Now は現在時刻を返す。nilの場合は time.Now。
	Now func() time.Time
}

// firebaseClaims はFirebase IDトークンのクレーム。
type firebaseClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

// FirebaseVerifier は外部IDプロバイダ（Firebase Authentication）が発行したIDトークンを
// RS256署名・iss・aud・有効期限まで含めて検証する。
type FirebaseVerifier struct {
	// projectID はFirebaseプロジェクトID。
	projectID string
	// certsURL は署名証明書の取得先。
	certsURL string
	// client は証明書取得用のHTTPクライアント。
	client *http.Client
	// now は現在時刻を返す。
	now func() time.Time

	// mu は keys と keysExpiry を保護する。
	mu sync.Mutex
	// keys はkidごとの公開鍵。
	keys map[string]*rsa.PublicKey
	// keysExpiry はkeysのキャッシュ期限。
	keysExpiry time.Time
}

// NewFirebaseVerifier は新しいFirebaseVerifierを生成する。
func NewFirebaseVerifier(cfg FirebaseConfig) *FirebaseVerifier {
	v := &FirebaseVerifier{
		projectID: cfg.ProjectID,
		certsURL:  cfg.CertsURL,
		client:    cfg.HTTPClient,
		now:       cfg.Now,
	}
	if v.certsURL == "" {
		v.certsURL = DefaultFirebaseCertsURL
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: 10 * time.Second}
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Trust は TrustCryptographic を返す。
func (v *FirebaseVerifier) Trust() Trust {
	return TrustCryptographic
}

// Verify はIDトークンの署名とクレームを検証する。
func (v *FirebaseVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	if v.projectID == "" {
		return nil, fmt.Errorf("%w: FirebaseプロジェクトIDが設定されていません", ErrTokenInvalid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer("https://securetoken.google.com/"+v.projectID),
		jwt.WithAudience(v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)

	claims := &firebaseClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("kidがありません")
		}
		return v.publicKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if claims.Subject == "" || len(claims.Subject) > 128 {
		return nil, fmt.Errorf("%w: subが不正です", ErrTokenInvalid)
	}

	return &Identity{
		SubjectID: claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// publicKey はkidに対応する公開鍵を返す。
// 証明書はキャッシュが期限切れの場合にだけ取得し直す。キャッシュ期間内の未知のkidは
// 取得し直さずに拒否するため、任意のkidを送ってもIDプロバイダへの通信は増えない。
func (v *FirebaseVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.now().Before(v.keysExpiry) {
		key, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("kid %q に対応する証明書がありません", kid)
		}
		return key, nil
	}

	keys, maxAge, err := v.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}
	v.keys = keys
	v.keysExpiry = v.now().Add(maxAge)

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("kid %q に対応する証明書がありません", kid)
	}
	return key, nil
}

var maxAgePattern = regexp.MustCompile(`max-age=(\d+)`)

// fetchKeys は署名証明書を取得し、kidごとの公開鍵とキャッシュ期間を返す。
func (v *FirebaseVerifier) fetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("証明書取得リクエストの作成に失敗: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("証明書の取得に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("証明書の取得に失敗: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var certs map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&certs); err != nil {
		return nil, 0, fmt.Errorf("証明書のデシリアライズに失敗: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, pem := range certs {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return nil, 0, fmt.Errorf("kid %q の証明書のパースに失敗: %w", kid, err)
		}
		keys[kid] = key
	}

	maxAge := defaultCertsMaxAge
	if m := maxAgePattern.FindStringSubmatch(resp.Header.Get("Cache-Control")); m != nil {
		if sec, err := strconv.Atoi(m[1]); err == nil {
			maxAge = time.Duration(sec) * time.Second
		}
	}
	return keys, maxAge, nil
}
