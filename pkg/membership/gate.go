package membership

import (
	"context"
	"log"
	"strings"

	"github.com/nao1215/appgate/pkg/metrics"
)

// Directory はメールアドレスで連絡先を引くディレクトリ。
// 該当が無い場合は (nil, nil) を返す。
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*Contact, error)
}

// Source は照会結果を返したディレクトリの種類。
type Source string

const (
	// SourceRemote は会員サービスが応答したことを表す。
	SourceRemote Source = "remote"
	// SourceFallback は組み込みのフォールバックディレクトリが応答したことを表す。
	SourceFallback Source = "fallback"
)

// FallbackDirectory は会員サービスを利用できないときに参照する固定の連絡先一覧。
// 読み取り専用で、検索は大文字小文字を無視した完全一致のみ。
type FallbackDirectory struct {
	// contacts は固定の連絡先一覧。
	contacts []Contact
}

// NewFallbackDirectory は指定した連絡先を持つFallbackDirectoryを生成する。
func NewFallbackDirectory(contacts ...Contact) *FallbackDirectory {
	return &FallbackDirectory{contacts: append([]Contact(nil), contacts...)}
}

// DefaultFallbackDirectory は開発用の組み込み連絡先を持つFallbackDirectoryを返す。
func DefaultFallbackDirectory() *FallbackDirectory {
	return NewFallbackDirectory(
		Contact{ID: "fallback_1", Email: "admin@example.com", Name: "Admin User", Active: true},
		Contact{ID: "fallback_2", Email: "user@example.com", Name: "Regular User", Active: true},
	)
}

// FindByEmail は連絡先をメールアドレスで検索する。
func (d *FallbackDirectory) FindByEmail(_ context.Context, email string) (*Contact, error) {
	for _, c := range d.contacts {
		if strings.EqualFold(c.Email, email) {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

// Len は連絡先の件数を返す。
func (d *FallbackDirectory) Len() int {
	return len(d.contacts)
}

// DefaultFallbackKinds はフォールバックに切り替えるデフォルトの失敗種別。
var DefaultFallbackKinds = []Kind{KindTransport, KindAuth, KindUpstream, KindDecode, KindNotConfigured}

// Gate は会員判定のポリシー層。
// 会員サービスの失敗のうち、設定された種別のものだけをフォールバックディレクトリで代替する。
// それ以外の失敗はそのまま呼び出し元に返す。
type Gate struct {
	// remote は会員サービス。
	remote Directory
	// fallback はフォールバックディレクトリ。nilの場合はフォールバックしない。
	fallback Directory
	// fallbackOn はフォールバックに切り替える失敗種別。
	fallbackOn map[Kind]bool
}

// GateOption はGate生成時のオプション。
type GateOption func(*Gate)

// WithFallback はフォールバックディレクトリを設定する。nilを渡すとフォールバックを無効にする。
func WithFallback(dir Directory) GateOption {
	return func(g *Gate) {
		g.fallback = dir
	}
}

// WithFallbackKinds はフォールバックに切り替える失敗種別を設定する。
func WithFallbackKinds(kinds ...Kind) GateOption {
	return func(g *Gate) {
		g.fallbackOn = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			g.fallbackOn[k] = true
		}
	}
}

// NewGate は新しいGateを生成する。
// デフォルトでは DefaultFallbackDirectory と DefaultFallbackKinds を使う。
func NewGate(remote Directory, opts ...GateOption) *Gate {
	g := &Gate{remote: remote, fallback: DefaultFallbackDirectory()}
	WithFallbackKinds(DefaultFallbackKinds...)(g)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Lookup は連絡先を照会し、結果と応答元を返す。該当が無い場合のContactはnil。
func (g *Gate) Lookup(ctx context.Context, email string) (*Contact, Source, error) {
	contact, err := g.remote.FindByEmail(ctx, email)
	if err == nil {
		metrics.MembershipLookups.WithLabelValues(string(SourceRemote)).Inc()
		return contact, SourceRemote, nil
	}

	kind, _ := KindOf(err)
	if g.fallback == nil || !g.fallbackOn[kind] || ctx.Err() != nil {
		log.Printf("[Membership] 会員照会に失敗: email=%s, err=%v", email, err)
		return nil, SourceRemote, err
	}

	contact, ferr := g.fallback.FindByEmail(ctx, email)
	if ferr != nil {
		return nil, SourceFallback, ferr
	}
	metrics.MembershipLookups.WithLabelValues(string(SourceFallback)).Inc()
	log.Printf("[Membership] フォールバックディレクトリで照会しました: email=%s, kind=%s, found=%t", email, kind, contact != nil)
	return contact, SourceFallback, nil
}

// IsActiveMember はメールアドレスが有効な会員のものかを返す。
func (g *Gate) IsActiveMember(ctx context.Context, email string) (bool, error) {
	contact, _, err := g.Lookup(ctx, email)
	if err != nil {
		return false, err
	}
	return contact != nil && contact.Active, nil
}

// EmailExists はメールアドレスが会員ディレクトリに存在するかを返す。有効かどうかは問わない。
func (g *Gate) EmailExists(ctx context.Context, email string) (bool, error) {
	contact, _, err := g.Lookup(ctx, email)
	if err != nil {
		return false, err
	}
	return contact != nil, nil
}

// credentialValidator は認証情報を検証できるディレクトリ。
type credentialValidator interface {
	ValidateCredentials(ctx context.Context) error
}

// Ready は会員サービスの認証情報が有効かを確認する。
// 会員サービスが検証に対応していない場合はnilを返す。
func (g *Gate) Ready(ctx context.Context) error {
	if v, ok := g.remote.(credentialValidator); ok {
		return v.ValidateCredentials(ctx)
	}
	return nil
}
