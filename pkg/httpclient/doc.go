// Package httpclient は外部サービスとのJSON over HTTP通信を行うクライアントを提供する。
//
// メンバーシップディレクトリへのトークン交換・連絡先検索など、
// Gatewayから外部APIを呼び出す際の通信パターンを統一する。
// 失敗は呼び出し側が分類できるよう、ステータスエラー（*StatusError）、
// デシリアライズ失敗（ErrDecode）、それ以外の通信失敗の3種類で返す。
package httpclient
