package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTP APIとWebSocket、予約作成イベントの購読を行う。
	CommandServe Command = "serve"
	// CommandWorker は未割り当て予約の再割り当てと期限切れ予約のキャンセルを行う。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のserveプロセスの/healthを確認する。
	// distrolessイメージにはcurlがないため、Dockerのヘルスチェックはこれを使う。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数からサブコマンドを決める。
// 引数がない場合や未知のコマンドはserveとして扱い、2番目以降の引数は見ない。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
