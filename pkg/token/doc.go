// Package token はベアラートークンの検証と、Gatewayが発行するセッショントークンの署名を提供する。
//
// 検証器は信頼度の異なる2系統がある。
//
//   - StructuralVerifier: 構造と有効期限のみを確認する。署名は検証しない。
//     全リクエストを通すGatewayミドルウェアの入口で使う低コストな判定であり、
//     副作用を伴う処理では必ず暗号学的な検証器で再検証すること。
//   - FirebaseVerifier / SessionSigner: 署名を暗号学的に検証する。
//     ログイン・登録など、検証済みの身元に基づいて権限を与える箇所で使う。
//
// どちらも Verifier インターフェースを実装するが、Trust() で信頼度を区別でき、
// 互いに暗黙に置き換えてはならない。
package token
