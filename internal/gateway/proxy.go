package gateway

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/appgate/pkg/metrics"
	"github.com/nao1215/appgate/pkg/proxy"
	"github.com/nao1215/appgate/pkg/registry"
)

// handleProxy はテナントのオリジンへリクエストを転送するハンドラを返す。
// prefixはテナント名の直前までのルートパス（例: "/proxy/"）。
func (s *Server) handleProxy(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, forwardPath, ok := splitProxyPath(c.Request.URL, prefix)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "テナント名が指定されていません"})
			return
		}

		app, err := s.apps.Resolve(tenant)
		if errors.Is(err, registry.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":     "テナントが見つかりません: " + tenant,
				"available": s.apps.Names(),
			})
			return
		}
		if err != nil {
			log.Printf("[Proxy] テナントの解決に失敗: tenant=%s, err=%v", tenant, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "テナントの解決に失敗しました"})
			return
		}

		target := proxy.Target{
			OriginURL:   app.TargetURL,
			ForwardPath: forwardPath,
			RawQuery:    c.Request.URL.RawQuery,
		}

		start := time.Now()
		resp, err := s.forwarder.Forward(c.Request, target, c.ClientIP())
		metrics.ProxyDuration.WithLabelValues(app.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, proxy.ErrUpstreamUnreachable) {
				metrics.ProxyRequests.WithLabelValues(app.Name, "unreachable").Inc()
				log.Printf("[Proxy] 上流サービスに到達できません: tenant=%s, err=%v", app.Name, err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "上流サービスとの通信に失敗しました"})
				return
			}
			log.Printf("[Proxy] 転送に失敗: tenant=%s, err=%v", app.Name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "転送に失敗しました"})
			return
		}

		metrics.ProxyRequests.WithLabelValues(app.Name, "forwarded").Inc()
		if err := resp.WriteTo(c.Writer); err != nil {
			log.Printf("[Proxy] レスポンスの書き込みに失敗: tenant=%s, err=%v", app.Name, err)
		}
	}
}

// splitProxyPath はリクエストURLからテナント名と転送先パスを取り出す。
// テナント名はパーセントデコードし、残りのパスはエスケープされたまま返す。
// テナント名の後ろに何も無い場合の転送先パスは空文字。
func splitProxyPath(u *url.URL, prefix string) (tenant, forwardPath string, ok bool) {
	rest, found := strings.CutPrefix(u.EscapedPath(), prefix)
	if !found {
		rest, found = strings.CutPrefix(u.Path, prefix)
		if !found {
			return "", "", false
		}
	}

	rawTenant, suffix, hasSlash := strings.Cut(rest, "/")
	if rawTenant == "" {
		return "", "", false
	}
	tenant, err := url.PathUnescape(rawTenant)
	if err != nil || tenant == "" {
		return "", "", false
	}
	if hasSlash {
		forwardPath = "/" + suffix
	}
	return tenant, forwardPath, true
}
