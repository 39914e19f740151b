package gateway

import (
	"errors"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/appgate/pkg/middleware"
	"github.com/nao1215/appgate/pkg/token"
)

const (
	// minPasswordLen はパスワードの最小長。
	minPasswordLen = 8
	// maxPasswordLen はパスワードの最大バイト数。bcryptは72バイトを超える入力を受け付けない。
	maxPasswordLen = 72
)

// emailPattern はメールアドレスとして受け付ける形式。
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// userView はレスポンスに含めるユーザー情報。
type userView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// idTokenRequest はIDトークンによるログイン・登録のリクエスト。
type idTokenRequest struct {
	IDToken string `json:"idToken"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// passwordRequest はパスワードによるログイン・登録のリクエスト。
type passwordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// checkMembershipRequest は会員確認のリクエスト。
type checkMembershipRequest struct {
	Email string `json:"email"`
}

// verifyIDToken はIDトークンを完全に検証し、申告されたメールアドレスと一致するかを確かめる。
// 失敗時はレスポンスを書き込んでfalseを返す。
func (s *Server) verifyIDToken(c *gin.Context, req idTokenRequest) (*token.Identity, bool) {
	identity, err := s.idTokens.Verify(c.Request.Context(), req.IDToken)
	if err != nil {
		log.Printf("[Auth] IDトークンの検証に失敗: err=%v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "IDトークンが無効です"})
		return nil, false
	}
	if !strings.EqualFold(identity.Email, strings.TrimSpace(req.Email)) {
		log.Printf("[Auth] IDトークンとメールアドレスが一致しません: token=%s, request=%s", identity.Email, req.Email)
		c.JSON(http.StatusBadRequest, gin.H{"error": "IDトークンとメールアドレスが一致しません"})
		return nil, false
	}
	return identity, true
}

// requireActiveMember は有効な会員かを確認する。失敗時はレスポンスを書き込んでfalseを返す。
func (s *Server) requireActiveMember(c *gin.Context, email string) bool {
	active, err := s.gate.IsActiveMember(c.Request.Context(), email)
	if err != nil {
		log.Printf("[Auth] 会員確認に失敗したため拒否します: email=%s, err=%v", email, err)
		c.JSON(http.StatusForbidden, gin.H{"error": "会員情報を確認できませんでした"})
		return false
	}
	if !active {
		c.JSON(http.StatusForbidden, gin.H{"error": "有効な会員ではありません"})
		return false
	}
	return true
}

// requireDirectoryEntry は会員ディレクトリに登録されているかを確認する。
// 失敗時はレスポンスを書き込んでfalseを返す。
func (s *Server) requireDirectoryEntry(c *gin.Context, email string) bool {
	exists, err := s.gate.EmailExists(c.Request.Context(), email)
	if err != nil {
		log.Printf("[Auth] 会員確認に失敗したため拒否します: email=%s, err=%v", email, err)
		c.JSON(http.StatusForbidden, gin.H{"error": "会員情報を確認できませんでした"})
		return false
	}
	if !exists {
		c.JSON(http.StatusForbidden, gin.H{"error": "会員として登録されていません"})
		return false
	}
	return true
}

// setAuthCookie は認証Cookieを設定する。本番環境ではsecure属性を付ける。
func (s *Server) setAuthCookie(c *gin.Context, name, value string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, int(token.SessionTTL.Seconds()), "/", "", s.cfg.Production, true)
}

// clearAuthCookie は認証Cookieを削除する。
func (s *Server) clearAuthCookie(c *gin.Context, name string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, "", -1, "/", "", s.cfg.Production, true)
}

// handleFirebaseLogin はIDトークンでログインするハンドラを返す。
func (s *Server) handleFirebaseLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req idTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.IDToken == "" || req.Email == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "idToken と email は必須です"})
			return
		}

		identity, ok := s.verifyIDToken(c, req)
		if !ok {
			return
		}
		if !s.requireActiveMember(c, identity.Email) {
			return
		}

		s.setAuthCookie(c, middleware.IDTokenCookie, req.IDToken)
		log.Printf("[Auth] ログインしました: uid=%s, email=%s", identity.SubjectID, identity.Email)

		name := identity.Name
		if name == "" {
			name = req.Name
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "ログインしました",
			"user":    userView{ID: identity.SubjectID, Email: identity.Email, Name: name},
		})
	}
}

// handleFirebaseRegister はIDトークンで利用者を登録するハンドラを返す。
func (s *Server) handleFirebaseRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req idTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.IDToken == "" || req.Email == "" || req.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "idToken と name と email は必須です"})
			return
		}

		identity, ok := s.verifyIDToken(c, req)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		exists, err := s.users.Exists(ctx, identity.Email)
		if err != nil {
			log.Printf("[Auth] ユーザーの存在確認に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの確認に失敗しました"})
			return
		}
		if exists {
			c.JSON(http.StatusConflict, gin.H{"error": "既に登録されています"})
			return
		}
		if !s.requireActiveMember(c, identity.Email) {
			return
		}

		user, err := s.users.Create(ctx, identity.Email, req.Name, "", ProviderFirebase)
		if errors.Is(err, ErrUserExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "既に登録されています"})
			return
		}
		if err != nil {
			log.Printf("[Auth] ユーザーの登録に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの登録に失敗しました"})
			return
		}

		s.setAuthCookie(c, middleware.IDTokenCookie, req.IDToken)
		log.Printf("[Auth] ユーザーを登録しました: id=%s, uid=%s, email=%s", user.ID, identity.SubjectID, user.Email)
		c.JSON(http.StatusCreated, gin.H{
			"message": "登録しました",
			"user":    userView{ID: identity.SubjectID, Email: user.Email, Name: user.Name},
		})
	}
}

// handleLogout は認証Cookieを削除するハンドラを返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range []string{middleware.IDTokenCookie, middleware.SessionCookie} {
			s.clearAuthCookie(c, name)
		}
		c.JSON(http.StatusOK, gin.H{"message": "ログアウトしました"})
	}
}

// handlePasswordLogin はメールアドレスとパスワードでログインするハンドラを返す。
func (s *Server) handlePasswordLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req passwordRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email と password は必須です"})
			return
		}

		ctx := c.Request.Context()
		user, err := s.users.Authenticate(ctx, req.Email, req.Password)
		if errors.Is(err, ErrInvalidCredentials) {
			// 会員ディレクトリにはあるがローカル未登録なら登録を促す
			if found, lerr := s.gate.EmailExists(ctx, req.Email); lerr == nil && found {
				if registered, _ := s.users.Exists(ctx, req.Email); !registered {
					c.JSON(http.StatusNotFound, gin.H{"error": "先に登録してください"})
					return
				}
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスまたはパスワードが正しくありません"})
			return
		}
		if err != nil {
			log.Printf("[Auth] 認証処理に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "認証処理に失敗しました"})
			return
		}

		if !s.requireActiveMember(c, user.Email) {
			return
		}

		raw, err := s.sessions.Sign(user.ID, user.Email, user.Name)
		if err != nil {
			log.Printf("[Auth] セッショントークンの発行に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			return
		}

		// 以前のIDトークンCookieが残っているとセッションより先に検証されるため削除する
		s.clearAuthCookie(c, middleware.IDTokenCookie)
		s.setAuthCookie(c, middleware.SessionCookie, raw)
		log.Printf("[Auth] ログインしました: id=%s, email=%s", user.ID, user.Email)
		c.JSON(http.StatusOK, gin.H{
			"message": "ログインしました",
			"user":    userView{ID: user.ID, Email: user.Email, Name: user.Name},
		})
	}
}

// handleRegister はメールアドレスとパスワードで利用者を登録するハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req passwordRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" || req.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email と password と name は必須です"})
			return
		}
		email := strings.TrimSpace(req.Email)
		if !emailPattern.MatchString(email) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "メールアドレスの形式が正しくありません"})
			return
		}
		if len(req.Password) < minPasswordLen {
			c.JSON(http.StatusBadRequest, gin.H{"error": "パスワードは8文字以上にしてください"})
			return
		}
		if len(req.Password) > maxPasswordLen {
			c.JSON(http.StatusBadRequest, gin.H{"error": "パスワードは72バイト以下にしてください"})
			return
		}

		ctx := c.Request.Context()
		exists, err := s.users.Exists(ctx, email)
		if err != nil {
			log.Printf("[Auth] ユーザーの存在確認に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの確認に失敗しました"})
			return
		}
		if exists {
			c.JSON(http.StatusConflict, gin.H{"error": "既に登録されています"})
			return
		}
		if !s.requireDirectoryEntry(c, email) {
			return
		}

		user, err := s.users.Create(ctx, email, req.Name, req.Password, ProviderPassword)
		if errors.Is(err, ErrUserExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "既に登録されています"})
			return
		}
		if err != nil {
			log.Printf("[Auth] ユーザーの登録に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの登録に失敗しました"})
			return
		}

		log.Printf("[Auth] ユーザーを登録しました: id=%s, email=%s", user.ID, user.Email)
		c.JSON(http.StatusCreated, gin.H{
			"message": "登録しました",
			"user":    userView{ID: user.ID, Email: user.Email, Name: user.Name},
		})
	}
}

// handleCheckMembership はメールアドレスが会員ディレクトリに登録されているかを返すハンドラを返す。
func (s *Server) handleCheckMembership() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkMembershipRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email は必須です"})
			return
		}
		email := strings.TrimSpace(req.Email)
		if !s.requireDirectoryEntry(c, email) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"email": email, "member": true})
	}
}
