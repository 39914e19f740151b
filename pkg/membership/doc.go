// Package membership は外部の会員ディレクトリ（CRM）に対する照会クライアントを提供する。
//
// 構成要素は次のとおり。
//
//   - TokenSource: client_credentialsで取得したアクセストークンをプロセス内で1つだけ保持し、
//     有効期限の60秒前に更新する。更新は1つのミューテックスで直列化される。
//   - Client: メールアドレスで連絡先を検索し、大文字小文字を無視した完全一致で絞り込む。
//     失敗は種別（Kind）付きの *ServiceError で返す。
//   - Gate: 会員判定のポリシー層。設定された種別のエラーに限り、
//     組み込みのFallbackDirectoryで照会を代替する。
package membership
