package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrUpstreamUnreachable は上流オリジンに到達できなかったことを表す。
// 上流が非2xxで応答した場合はこのエラーにはならない。
var ErrUpstreamUnreachable = errors.New("上流サービスとの通信に失敗しました")

// UpstreamError は上流との通信失敗（接続エラー、タイムアウト、DNS解決失敗など）を表す。
type UpstreamError struct {
	// URL は転送先のURL。
	URL string
	// Err は原因となったエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%v: url=%s: %v", ErrUpstreamUnreachable, e.URL, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is は errors.Is(err, ErrUpstreamUnreachable) を成立させる。
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamUnreachable
}

// Target は1リクエストごとに算出する転送先。
type Target struct {
	// OriginURL はテナントのオリジンURL（末尾の "/" は含まない）。
	OriginURL string
	// ForwardPath はテナント名より後ろのパス。残りが無い場合は "/" ではなく空文字。
	ForwardPath string
	// RawQuery は元のリクエストのクエリ文字列（"?" を含まない）。
	RawQuery string
}

// URL は転送先の完全なURLを返す。
func (t Target) URL() string {
	u := t.OriginURL + t.ForwardPath
	if t.RawQuery != "" {
		u += "?" + t.RawQuery
	}
	return u
}

// Response は上流から受け取ったレスポンス。
type Response struct {
	// StatusCode は上流のステータスコード。
	StatusCode int
	// Status は上流のステータス行（例: "404 Not Found"）。
	Status string
	// Header はホップ間ヘッダーを除いたレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
}

// WriteTo はレスポンスをそのままクライアントに書き出す。
// Vary はGateway側で設定済みの値（CORSの Origin など）に上流の値を追加する。
func (r *Response) WriteTo(w http.ResponseWriter) error {
	dst := w.Header()
	for key, values := range r.Header {
		if http.CanonicalHeaderKey(key) == "Vary" {
			dst["Vary"] = mergeVary(dst.Values("Vary"), values)
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(r.Body)
	return err
}

// mergeVary は2つのVaryヘッダーの値を重複なく1つにまとめる。大文字小文字は区別しない。
func mergeVary(current, upstream []string) []string {
	var fields []string
	seen := make(map[string]struct{})
	for _, v := range append(append([]string(nil), current...), upstream...) {
		for _, f := range strings.Split(v, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			k := strings.ToLower(f)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return []string{strings.Join(fields, ", ")}
}

// droppedResponseHeaders はクライアントに返さないレスポンスヘッダー。
// 再フレーミングしたレスポンスにコピーすると内容が壊れる。
var droppedResponseHeaders = []string{"Content-Encoding", "Transfer-Encoding", "Connection"}

// Forwarder は上流オリジンへリクエストを転送する。
type Forwarder struct {
	// client は上流への通信に使うHTTPクライアント。
	client *http.Client
}

// NewForwarder は新しいフォワーダーを生成する。timeoutが0以下の場合はタイムアウトを設定しない。
func NewForwarder(timeout time.Duration) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Timeout: timeout,
			// リダイレクトは追跡せず、そのままクライアントに返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// NewForwarderWithClient は任意のHTTPクライアントを使うフォワーダーを生成する。
func NewForwarderWithClient(client *http.Client) *Forwarder {
	return &Forwarder{client: client}
}

// Forward はinをtargetへ転送し、上流のレスポンスを返す。
// 上流への通信はinのコンテキストに従ってキャンセルされる。
// clientIPはX-Forwarded-Forに設定する呼び出し元のアドレス。
func (f *Forwarder) Forward(in *http.Request, target Target, clientIP string) (*Response, error) {
	var body io.Reader
	if in.Method != http.MethodGet && in.Method != http.MethodHead && in.Body != nil {
		b, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディの読み取りに失敗: %w", err)
		}
		body = bytes.NewReader(b)
	}

	url := target.URL()
	out, err := http.NewRequestWithContext(in.Context(), in.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("プロキシリクエストの作成に失敗: %w", err)
	}

	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Del("Host")
	// 圧縮の交渉はトランスポートに任せ、展開済みのボディを中継する
	out.Header.Del("Accept-Encoding")
	out.Header.Set("X-Forwarded-Host", in.Host)
	out.Header.Set("X-Forwarded-Proto", scheme(in))
	if clientIP == "" {
		clientIP = remoteIP(in)
	}
	out.Header.Set("X-Forwarded-For", clientIP)

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, &UpstreamError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{URL: url, Err: err}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     filterResponseHeader(resp.Header),
		Body:       respBody,
	}, nil
}

// filterResponseHeader はホップ間ヘッダーを除いたコピーを返す。
func filterResponseHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		if isDroppedResponseHeader(key) {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	return dst
}

func isDroppedResponseHeader(key string) bool {
	for _, h := range droppedResponseHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// remoteIP はRemoteAddrからポートを除いたアドレスを返す。取得できない場合は "unknown"。
func remoteIP(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
