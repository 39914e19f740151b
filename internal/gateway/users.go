package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrUserExists は同じメールアドレスのユーザーが既に登録されていることを表す。
	ErrUserExists = errors.New("ユーザーは既に登録されています")
	// ErrUserNotFound はユーザーが見つからないことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrInvalidCredentials はメールアドレスまたはパスワードが一致しないことを表す。
	ErrInvalidCredentials = errors.New("メールアドレスまたはパスワードが正しくありません")
)

const (
	// ProviderPassword はパスワードで登録したユーザー。
	ProviderPassword = "password"
	// ProviderFirebase は外部IDプロバイダで登録したユーザー。
	ProviderFirebase = "firebase"
)

// defaultBcryptCost はパスワードハッシュのコスト。
const defaultBcryptCost = 12

// User はローカルに登録されたユーザー。
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`

	passwordHash string
}

// UserStore はSQLiteに保存したユーザーを扱う。追記と存在確認のみを行う。
type UserStore struct {
	db   *sql.DB
	cost int
	now  func() time.Time
}

// NewUserStore は新しいユーザーストアを生成する。
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db, cost: defaultBcryptCost, now: time.Now}
}

// Create はユーザーを登録する。passwordが空の場合はパスワードを設定しない。
// メールアドレスは大文字小文字を区別せずに一意で、重複時は ErrUserExists を返す。
func (s *UserStore) Create(ctx context.Context, email, name, password, provider string) (*User, error) {
	var hash string
	if password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
		if err != nil {
			return nil, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
		}
		hash = string(b)
	}

	user := &User{
		ID:           uuid.NewString(),
		Email:        strings.TrimSpace(email),
		Name:         name,
		Provider:     provider,
		CreatedAt:    s.now().UTC().Truncate(time.Second),
		passwordHash: hash,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, provider, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, user.passwordHash, user.Provider, user.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, user.Email)
		}
		return nil, fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	var (
		user      User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, provider, created_at FROM users WHERE email = ?`,
		strings.TrimSpace(email),
	).Scan(&user.ID, &user.Email, &user.Name, &user.passwordHash, &user.Provider, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	user.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("created_at の形式が不正です: %w", err)
	}
	return &user, nil
}

// Exists はメールアドレスのユーザーが登録済みかを返す。
func (s *UserStore) Exists(ctx context.Context, email string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE email = ?`, strings.TrimSpace(email),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ユーザーの存在確認に失敗: %w", err)
	}
	return n > 0, nil
}

// Authenticate はメールアドレスとパスワードを照合する。
// ユーザーが存在しない場合とパスワードが一致しない場合はどちらも ErrInvalidCredentials を返す。
func (s *UserStore) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.FindByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if user.passwordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// isUniqueViolation はSQLiteの一意制約違反かどうかを返す。
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// 拡張結果コードの下位8ビットが基本結果コード
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
