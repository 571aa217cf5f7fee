package migrations

import "embed"

// Files 内嵌会话与消息存储使用的全部 SQL 迁移，按文件名前缀的版本号顺序执行。
//
//go:embed *.sql
var Files embed.FS
