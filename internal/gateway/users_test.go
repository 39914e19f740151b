package gateway

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// newTestDB はスキーマ適用済みのインメモリデータベースを生成する。
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("データベース接続に失敗: %v", err)
	}
	// インメモリDBは接続ごとに別のDBになるため1接続に固定する
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := initSchema(context.Background(), db); err != nil {
		t.Fatalf("スキーマ初期化に失敗: %v", err)
	}
	return db
}

// newTestUserStore はテスト用の低コストなユーザーストアを生成する。
func newTestUserStore(t *testing.T) *UserStore {
	t.Helper()

	store := NewUserStore(newTestDB(t))
	store.cost = bcrypt.MinCost
	store.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return store
}

// TestUserStore はローカルユーザーストアを検証する。
func TestUserStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("登録したユーザーをメールアドレスで取得できること", func(t *testing.T) {
		t.Parallel()

		store := newTestUserStore(t)
		created, err := store.Create(ctx, "alice@example.com", "Alice", "password123", ProviderPassword)
		if err != nil {
			t.Fatalf("ユーザーの登録でエラーが発生: %v", err)
		}
		if created.ID == "" {
			t.Error("IDが採番されていない")
		}

		got, err := store.FindByEmail(ctx, "ALICE@example.com")
		if err != nil {
			t.Fatalf("ユーザーの取得でエラーが発生: %v", err)
		}
		if got.ID != created.ID || got.Name != "Alice" || got.Provider != ProviderPassword {
			t.Errorf("取得したユーザー = %+v, want %+v", got, created)
		}
		if !got.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
			t.Errorf("CreatedAt = %v", got.CreatedAt)
		}
		if got.passwordHash == "password123" || got.passwordHash == "" {
			t.Error("パスワードがハッシュ化されていない")
		}
	})

	t.Run("大文字小文字だけが異なるメールアドレスは重複とみなすこと", func(t *testing.T) {
		t.Parallel()

		store := newTestUserStore(t)
		if _, err := store.Create(ctx, "bob@example.com", "Bob", "password123", ProviderPassword); err != nil {
			t.Fatalf("ユーザーの登録でエラーが発生: %v", err)
		}
		_, err := store.Create(ctx, "Bob@Example.com", "Bob2", "password123", ProviderPassword)
		if !errors.Is(err, ErrUserExists) {
			t.Errorf("err = %v, want ErrUserExists", err)
		}
	})

	t.Run("存在確認ができること", func(t *testing.T) {
		t.Parallel()

		store := newTestUserStore(t)
		if _, err := store.Create(ctx, "carol@example.com", "Carol", "", ProviderFirebase); err != nil {
			t.Fatalf("ユーザーの登録でエラーが発生: %v", err)
		}
		for email, want := range map[string]bool{
			"carol@example.com": true,
			"CAROL@example.com": true,
			"dave@example.com":  false,
		} {
			got, err := store.Exists(ctx, email)
			if err != nil {
				t.Fatalf("Exists(%q)でエラーが発生: %v", email, err)
			}
			if got != want {
				t.Errorf("Exists(%q) = %t, want %t", email, got, want)
			}
		}
	})

	t.Run("存在しないユーザーはErrUserNotFoundを返すこと", func(t *testing.T) {
		t.Parallel()

		store := newTestUserStore(t)
		if _, err := store.FindByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrUserNotFound) {
			t.Errorf("err = %v, want ErrUserNotFound", err)
		}
	})

	t.Run("パスワードを照合できること", func(t *testing.T) {
		t.Parallel()

		store := newTestUserStore(t)
		if _, err := store.Create(ctx, "erin@example.com", "Erin", "correct-horse", ProviderPassword); err != nil {
			t.Fatalf("ユーザーの登録でエラーが発生: %v", err)
		}

		user, err := store.Authenticate(ctx, "erin@example.com", "correct-horse")
		if err != nil {
			t.Fatalf("正しいパスワードで認証できない: %v", err)
		}
		if user.Email != "erin@example.com" {
			t.Errorf("Email = %q", user.Email)
		}

		if _, err := store.Authenticate(ctx, "erin@example.com", "wrong-horse"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("誤ったパスワード: err = %v, want ErrInvalidCredentials", err)
		}
		if _, err := store.Authenticate(ctx, "nobody@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("存在しないユーザー: err = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("72バイトを超えるパスワードは登録せずにエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		store := newTestUserStore(t)
		_, err := store.Create(ctx, "gina@example.com", "Gina", strings.Repeat("a", 80), ProviderPassword)
		if !errors.Is(err, bcrypt.ErrPasswordTooLong) {
			t.Errorf("err = %v, want bcrypt.ErrPasswordTooLong", err)
		}
		exists, err := store.Exists(ctx, "gina@example.com")
		if err != nil {
			t.Fatalf("存在確認に失敗: %v", err)
		}
		if exists {
			t.Error("ハッシュ化に失敗したユーザーが登録された")
		}
	})

	t.Run("パスワードを持たないユーザーはパスワードで認証できないこと", func(t *testing.T) {
		t.Parallel()

		store := newTestUserStore(t)
		if _, err := store.Create(ctx, "frank@example.com", "Frank", "", ProviderFirebase); err != nil {
			t.Fatalf("ユーザーの登録でエラーが発生: %v", err)
		}
		if _, err := store.Authenticate(ctx, "frank@example.com", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("err = %v, want ErrInvalidCredentials", err)
		}
	})
}
