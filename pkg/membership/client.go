package membership

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nao1215/appgate/pkg/httpclient"
)

// DefaultBaseURL は会員サービスAPIのデフォルトのベースURL。
const DefaultBaseURL = "https://api.kajabi.com"

// jsonAPIMediaType は連絡先APIが使うメディアタイプ。
const jsonAPIMediaType = "application/vnd.api+json"

// contactsPageSize は連絡先検索で取得する最大件数。
const contactsPageSize = "10"

// Contact は会員ディレクトリの連絡先の読み取り専用の射影。
type Contact struct {
	// ID は会員サービス上の連絡先ID。
	ID string
	// Email はメールアドレス。
	Email string
	// Name は氏名。
	Name string
	// Active は有効な会員かどうか。subscribedが明示的にfalseでない限りtrue。
	Active bool
}

// Config は会員サービスクライアントの設定。
type Config struct {
	// BaseURL はAPIのベースURL。空の場合は DefaultBaseURL。
	BaseURL string
	// ClientID はclient_credentialsのクライアントID。
	ClientID string
	// ClientSecret はclient_credentialsのクライアントシークレット。
	ClientSecret string
	// Timeout は1リクエストあたりのタイムアウト。0の場合は httpclient.DefaultTimeout。
	Timeout time.Duration
	// HTTPClient は内部で使用するHTTPクライアント。nilの場合は新規に生成する。
	HTTPClient *http.Client
}

// contactResource はJSON:APIの連絡先リソース。
type contactResource struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Name       string `json:"name"`
		Email      string `json:"email"`
		Subscribed *bool  `json:"subscribed"`
	} `json:"attributes"`
}

// contactsResponse は連絡先検索のレスポンス。
type contactsResponse struct {
	Data []contactResource `json:"data"`
}

// Client は会員サービスAPIのクライアント。
type Client struct {
	// http はAPI呼び出しに使うHTTPクライアント。
	http *httpclient.Client
	// tokens はアクセストークンのキャッシュ。
	tokens *TokenSource
}

// NewClient は新しい会員サービスクライアントを生成する。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	var opts []httpclient.Option
	if cfg.HTTPClient != nil {
		opts = append(opts, httpclient.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, httpclient.WithTimeout(cfg.Timeout))
	}
	hc := httpclient.New(baseURL, opts...)

	return &Client{
		http:   hc,
		tokens: NewTokenSource(hc, cfg.ClientID, cfg.ClientSecret),
	}
}

// Configured は認証情報が設定されているかを返す。
func (c *Client) Configured() bool {
	return c.tokens.Configured()
}

// ValidateCredentials はアクセストークンを取得できるかを確認する。
func (c *Client) ValidateCredentials(ctx context.Context) error {
	_, err := c.tokens.Token(ctx)
	return err
}

// FindByEmail はメールアドレスで連絡先を検索する。
// APIは部分一致で検索するため、大文字小文字を無視した完全一致で絞り込む。
// 該当する連絡先が無い場合は (nil, nil) を返す。
// 会員サービスがアクセストークンを拒否した場合はキャッシュを破棄する（再試行はしない）。
func (c *Client) FindByEmail(ctx context.Context, email string) (*Contact, error) {
	accessToken, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, classify("token", err)
	}

	query := url.Values{}
	query.Set("filter[email_contains]", email)
	query.Set("page[size]", contactsPageSize)

	var resp contactsResponse
	err = c.http.GetJSON(ctx, "/v1/contacts?"+query.Encode(), &resp,
		httpclient.WithBearer(accessToken),
		httpclient.WithAccept(jsonAPIMediaType),
	)
	if err != nil {
		se := classify("contacts", err)
		if se.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return nil, se
	}

	for _, res := range resp.Data {
		if strings.EqualFold(res.Attributes.Email, email) {
			return toContact(res), nil
		}
	}
	return nil, nil
}

// toContact はJSON:APIのリソースをContactに変換する。
func toContact(res contactResource) *Contact {
	return &Contact{
		ID:     res.ID,
		Email:  res.Attributes.Email,
		Name:   res.Attributes.Name,
		Active: res.Attributes.Subscribed == nil || *res.Attributes.Subscribed,
	}
}
