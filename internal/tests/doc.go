// Package tests 是审批引擎的黑盒测试。
//
// 这里只通过 workflow 包导出的 API 和 commonregister 注册的买货计划审批链来驱动引擎,
// 覆盖完整的审批场景、终止状态、并发审批和超时升级。
//
// 运行测试:
//
//	go test ./internal/tests/...
//
// 查看覆盖率:
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/buyplan-approval/workflow ./internal/tests/...
//	go tool cover -html=coverage.out
package tests
