package registry

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// staticSource は固定のバイト列を返す読み込み関数を生成する。
// 呼び出し回数をcallsに記録する。
func staticSource(data string, calls *atomic.Int32) func() ([]byte, error) {
	return func() ([]byte, error) {
		if calls != nil {
			calls.Add(1)
		}
		return []byte(data), nil
	}
}

const testConfig = `
apps:
  - name: My App
    target_url: https://backend.example/
  - name: Billing
    target_url: http://billing.internal:8080
`

// TestResolve はテナント名の解決規則を検証する。
func TestResolve(t *testing.T) {
	t.Parallel()

	t.Run("4つの表記が同じエントリに解決されること", func(t *testing.T) {
		t.Parallel()

		r := New("test", staticSource(testConfig, nil))
		for _, raw := range []string{"My App", "my app", "my-app", "MY-APP"} {
			app, err := r.Resolve(raw)
			if err != nil {
				t.Fatalf("Resolve(%q)でエラーが発生: %v", raw, err)
			}
			if app.Name != "My App" {
				t.Errorf("Resolve(%q).Name = %q, want %q", raw, app.Name, "My App")
			}
			if app.TargetURL != "https://backend.example" {
				t.Errorf("Resolve(%q).TargetURL = %q, want %q", raw, app.TargetURL, "https://backend.example")
			}
		}
	})

	t.Run("大文字小文字だけが異なる名前の重複は拒否されること", func(t *testing.T) {
		t.Parallel()

		r := New("test", staticSource(`
apps:
  - name: admin
    target_url: https://lower.example
  - name: Admin
    target_url: https://upper.example
`, nil))

		if _, err := r.Reload(); err == nil {
			t.Fatal("重複した名前でエラーが返るべき")
		}
	})

	t.Run("存在しないテナントはErrTenantNotFoundを返し一覧に影響しないこと", func(t *testing.T) {
		t.Parallel()

		r := New("test", staticSource(testConfig, nil))
		before, _ := r.List()

		_, err := r.Resolve("missing")
		if !errors.Is(err, ErrTenantNotFound) {
			t.Fatalf("err = %v, want ErrTenantNotFound", err)
		}

		after, _ := r.List()
		if len(before) != len(after) {
			t.Errorf("List()の件数が変化した: before=%d, after=%d", len(before), len(after))
		}
	})

	t.Run("複数単語の名前がスラッグから解決されること", func(t *testing.T) {
		t.Parallel()

		r := New("test", staticSource(`
apps:
  - name: Customer  Support Desk
    target_url: https://support.example
`, nil))

		app, err := r.Resolve("customer-support-desk")
		if err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}
		if app.Name != "Customer  Support Desk" {
			t.Errorf("Name = %q", app.Name)
		}
	})
}

// TestLoad は設定の読み込み・キャッシュ・フォールバックを検証する。
func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("読み込みは一度だけ行われキャッシュされること", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		r := New("test", staticSource(testConfig, &calls))
		for range 5 {
			if _, err := r.Resolve("billing"); err != nil {
				t.Fatalf("Resolve()でエラーが発生: %v", err)
			}
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("読み込み回数 = %d, want 1", got)
		}
	})

	t.Run("Invalidate後に変更された設定が反映されること", func(t *testing.T) {
		t.Parallel()

		content := testConfig
		r := New("test", func() ([]byte, error) { return []byte(content), nil })
		if _, err := r.Resolve("Billing"); err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}

		content = `
apps:
  - name: Reports
    target_url: https://reports.example
`
		if _, err := r.Resolve("Reports"); !errors.Is(err, ErrTenantNotFound) {
			t.Fatalf("Invalidate前に新しい設定が見えている: err=%v", err)
		}

		r.Invalidate()
		app, err := r.Resolve("reports")
		if err != nil {
			t.Fatalf("Invalidate後のResolve()でエラーが発生: %v", err)
		}
		if app.TargetURL != "https://reports.example" {
			t.Errorf("TargetURL = %q", app.TargetURL)
		}
	})

	t.Run("読み込みに失敗した場合はフォールバックエントリを返すこと", func(t *testing.T) {
		t.Parallel()

		r := NewFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
		apps, err := r.List()
		if err != nil {
			t.Fatalf("List()でエラーが発生: %v", err)
		}
		if len(apps) != 1 || apps[0] != DefaultApp {
			t.Errorf("apps = %+v, want [%+v]", apps, DefaultApp)
		}

		n, err := r.Reload()
		var loadErr *ConfigLoadError
		if !errors.As(err, &loadErr) {
			t.Fatalf("Reload()のエラー = %v, want *ConfigLoadError", err)
		}
		if n != 1 {
			t.Errorf("Reload()の件数 = %d, want 1", n)
		}
	})

	t.Run("パースできない設定はフォールバックになること", func(t *testing.T) {
		t.Parallel()

		r := New("test", staticSource("apps: [name: :", nil))
		app, err := r.Resolve("default-app")
		if err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}
		if app != DefaultApp {
			t.Errorf("app = %+v, want %+v", app, DefaultApp)
		}
	})

	t.Run("スラッグが重複する設定は拒否されること", func(t *testing.T) {
		t.Parallel()

		r := New("test", staticSource(`
apps:
  - name: My App
    target_url: https://one.example
  - name: My-App
    target_url: https://two.example
`, nil))

		_, err := r.Reload()
		var loadErr *ConfigLoadError
		if !errors.As(err, &loadErr) {
			t.Fatalf("err = %v, want *ConfigLoadError", err)
		}
		if _, err := r.Resolve("my-app"); !errors.Is(err, ErrTenantNotFound) {
			t.Errorf("重複設定のエントリが解決された: err=%v", err)
		}
	})

	t.Run("不正なtarget_urlは拒否されること", func(t *testing.T) {
		t.Parallel()

		r := New("test", staticSource(`
apps:
  - name: Broken
    target_url: backend.example
`, nil))

		if _, err := r.Reload(); err == nil {
			t.Fatal("不正なtarget_urlでエラーが返るべき")
		}
	})

	t.Run("JSON形式の設定も読み込めること", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "apps.json")
		if err := os.WriteFile(path, []byte(`{"apps":[{"name":"Wiki","target_url":"https://wiki.example"}]}`), 0o600); err != nil {
			t.Fatalf("設定ファイルの書き込みに失敗: %v", err)
		}

		r := NewFromFile(path)
		n, err := r.Reload()
		if err != nil {
			t.Fatalf("Reload()でエラーが発生: %v", err)
		}
		if n != 1 {
			t.Errorf("件数 = %d, want 1", n)
		}
		if _, err := r.Resolve("wiki"); err != nil {
			t.Errorf("Resolve()でエラーが発生: %v", err)
		}
	})
}

// TestSlug はスラッグ変換を検証する。
func TestSlug(t *testing.T) {
	t.Parallel()

	if got := Slug("My App"); got != "my-app" {
		t.Errorf("Slug(%q) = %q, want %q", "My App", got, "my-app")
	}
	if got := Slug("Team\tTools  Hub"); got != "team-tools-hub" {
		t.Errorf("Slug = %q, want %q", got, "team-tools-hub")
	}
}
