// Package api 通过 HTTP 暴露调度核心：仪表盘查询、任务提交、入站事件与争议处理。
package api
