package registry

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ErrTenantNotFound はテナント名に一致するエントリが無いことを表す。
var ErrTenantNotFound = errors.New("テナントが見つかりません")

// DefaultApp は設定の読み込みに失敗した場合に使用する組み込みエントリ。
var DefaultApp = AppEntry{Name: "Default App", TargetURL: "https://example.com"}

// AppEntry はレジストリに登録された1つのテナントを表す。Nameが識別子となる。
type AppEntry struct {
	// Name はテナントの表示名。
	Name string `yaml:"name" json:"name"`
	// TargetURL は転送先オリジンのベースURL（末尾の "/" は含まない）。
	TargetURL string `yaml:"target_url" json:"target_url"`
}

// Slug はテナント名をURL用のスラッグに変換する。
func (e AppEntry) Slug() string {
	return Slug(e.Name)
}

// ConfigLoadError は設定ソースの読み込み・パース・検証の失敗を表す。
// 致命的ではなく、レジストリはフォールバックエントリで動作を継続する。
type ConfigLoadError struct {
	// Source は読み込もうとした設定ソースの名前。
	Source string
	// Err は原因となったエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *ConfigLoadError) Error() string {
	return fmt.Sprintf("アプリ設定の読み込みに失敗: source=%s: %v", e.Source, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *ConfigLoadError) Unwrap() error {
	return e.Err
}

// appsFile は設定ファイルのルート要素。
type appsFile struct {
	Apps []AppEntry `yaml:"apps"`
}

// snapshot は一度の読み込み結果。読み込み後は変更しない。
type snapshot struct {
	apps []AppEntry
	err  error
}

// Registry はテナント名からAppEntryを解決するレジストリ。
// 読み取りは同期なしで並行に行えるよう、読み込み結果をatomicに差し替える。
type Registry struct {
	// source はログ・エラー表示用の設定ソース名。
	source string
	// read は設定ソースの内容を返す。
	read func() ([]byte, error)
	// current は現在キャッシュしている読み込み結果。nilの場合は未読み込み。
	current atomic.Pointer[snapshot]
}

// New は任意の読み込み関数を使うレジストリを生成する。
func New(source string, read func() ([]byte, error)) *Registry {
	return &Registry{source: source, read: read}
}

// NewFromFile はファイルを設定ソースとするレジストリを生成する。
func NewFromFile(path string) *Registry {
	return New(path, func() ([]byte, error) {
		return os.ReadFile(path)
	})
}

// Resolve はテナント名をAppEntryに解決する。
// 次の順で照合し、最初に一致したものを返す。
//  1. 大文字小文字を区別する完全一致
//  2. 大文字小文字を無視した一致
//  3. rawNameをスラッグとみなし "-" を空白に戻して比較
//  4. 各エントリ名をスラッグに変換してrawNameと比較
func (r *Registry) Resolve(rawName string) (AppEntry, error) {
	apps := r.load().apps

	for _, app := range apps {
		if app.Name == rawName {
			return app, nil
		}
	}

	lower := strings.ToLower(rawName)
	for _, app := range apps {
		if strings.ToLower(app.Name) == lower {
			return app, nil
		}
	}

	nameFromSlug := strings.ReplaceAll(lower, "-", " ")
	for _, app := range apps {
		if strings.ToLower(app.Name) == nameFromSlug {
			return app, nil
		}
	}

	for _, app := range apps {
		if Slug(app.Name) == lower {
			return app, nil
		}
	}

	return AppEntry{}, fmt.Errorf("%w: %q", ErrTenantNotFound, rawName)
}

// List は登録済みの全エントリのコピーを返す。
func (r *Registry) List() ([]AppEntry, error) {
	apps := r.load().apps
	out := make([]AppEntry, len(apps))
	copy(out, apps)
	return out, nil
}

// Names は登録済みテナント名の一覧を返す。404レスポンスの候補表示に使う。
func (r *Registry) Names() []string {
	apps := r.load().apps
	names := make([]string, 0, len(apps))
	for _, app := range apps {
		names = append(names, app.Name)
	}
	return names
}

// Invalidate はキャッシュを破棄し、次回の参照で設定を再読み込みさせる。
func (r *Registry) Invalidate() {
	r.current.Store(nil)
}

// Reload はキャッシュを破棄して即座に再読み込みする。
// 読み込みに失敗した場合もフォールバックエントリが有効になり、そのエラーを返す。
func (r *Registry) Reload() (int, error) {
	r.Invalidate()
	s := r.load()
	return len(s.apps), s.err
}

// load はキャッシュ済みの読み込み結果を返す。未読み込みなら読み込む。
// 並行に読み込みが走った場合は後勝ちとなる。
func (r *Registry) load() *snapshot {
	if s := r.current.Load(); s != nil {
		return s
	}

	apps, err := r.parse()
	if err != nil {
		log.Printf("[Registry] %v: フォールバックエントリを使用します", err)
		apps = []AppEntry{DefaultApp}
	}
	s := &snapshot{apps: apps, err: err}
	r.current.Store(s)
	return s
}

// parse は設定ソースを読み込み、検証済みのエントリ一覧を返す。
func (r *Registry) parse() ([]AppEntry, error) {
	data, err := r.read()
	if err != nil {
		return nil, &ConfigLoadError{Source: r.source, Err: err}
	}

	var file appsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigLoadError{Source: r.source, Err: err}
	}

	apps, err := validate(file.Apps)
	if err != nil {
		return nil, &ConfigLoadError{Source: r.source, Err: err}
	}
	return apps, nil
}

// validate はエントリを正規化し、スラッグの重複などの設定ミスを拒否する。
func validate(apps []AppEntry) ([]AppEntry, error) {
	if len(apps) == 0 {
		return nil, errors.New("appsが空です")
	}

	out := make([]AppEntry, 0, len(apps))
	seen := make(map[string]string, len(apps))
	for i, app := range apps {
		name := strings.TrimSpace(app.Name)
		if name == "" {
			return nil, fmt.Errorf("apps[%d]: nameが空です", i)
		}

		target := strings.TrimRight(strings.TrimSpace(app.TargetURL), "/")
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("apps[%d] %q: target_urlが不正です: %q", i, name, app.TargetURL)
		}

		slug := Slug(name)
		if other, ok := seen[slug]; ok {
			return nil, fmt.Errorf("apps[%d] %q: スラッグ %q が %q と重複しています", i, name, slug, other)
		}
		seen[slug] = name

		out = append(out, AppEntry{Name: name, TargetURL: target})
	}
	return out, nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Slug はテナント名を小文字化し、連続する空白を "-" に置き換える。
func Slug(name string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(name), "-")
}
