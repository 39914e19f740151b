// Package registry はテナント名からバックエンドのオリジンURLを引く
// アプリケーションレジストリを提供する。
//
// 設定ファイル（YAML/JSON、{apps: [{name, target_url}]}）を遅延読み込みしてキャッシュし、
// リクエストパスのテナント名を複数の同値規則（完全一致、大文字小文字無視、スラッグ）で解決する。
// 読み込みに失敗した場合は組み込みのフォールバックエントリを返し、
// Gatewayが完全に停止するのではなく縮退運転できるようにする。
package registry
