// Package gateway は認証付きリバースプロキシGatewayのHTTPサーバーを提供する。
//
// 全リクエストをGatewayミドルウェアで検証したうえで、テナント名で解決した
// バックエンドのオリジンにリクエストを転送する。ログイン・登録のエンドポイントでは
// IDトークンの完全な検証と会員ディレクトリの照会を行い、セッションCookieを発行する。
// ローカル登録ユーザーはSQLiteに保存する。
package gateway
