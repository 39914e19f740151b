// Package proxy は解決済みのオリジンへリクエストを転送するフォワーダーを提供する。
//
// リクエストボディとレスポンスボディは不透明なバイト列としてそのまま中継する。
// ホップ間でのみ意味を持つヘッダーは取り除き、X-Forwarded-* ヘッダーを付与する。
// 上流が応答した場合はステータスに関わらずそのまま返し、
// 上流に到達できなかった場合のみ ErrUpstreamUnreachable を返す。
package proxy
