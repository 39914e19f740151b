// Package middleware はGatewayのHTTPサーバーで使用するGinミドルウェアを提供する。
//
// 全リクエストの入口で認証Cookieを検証するGatewayミドルウェア、
// パニックリカバリ、CORS設定を含む。
package middleware
