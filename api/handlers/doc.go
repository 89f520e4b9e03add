// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 callbridge HTTP 接口的请求处理器。

# 概述

handlers 包实现通话查询、人工通话控制、信令链路状态、音频流水线调试与健康检查端点，
以及统一的 JSON 响应和错误处理。所有 Handler 均遵循标准 net/http 接口，
路由使用 Go 1.22 的方法与路径参数模式注册。

# 核心类型

  - CallHandler:     进行中 / 历史通话查询，play 与 hangup 控制
  - ARIHandler:      信令链路状态（/api/v1/ari/status）
  - PipelineHandler: 直接调用音频流水线（/api/v1/pipeline/...），录音路径限定在配置目录内
  - HealthHandler:   /health、/healthz、/ready（具名检查并发执行）、/version
  - Response:        统一错误与成功响应结构（success + data + error + request_id + timestamp）
  - ResponseWriter:  包装 http.ResponseWriter 以捕获状态码与响应大小

# 错误映射

types.ErrorCode 按语义映射到 HTTP 状态码：未知通话 404，参数错误 400，
会话冲突 409，电话指令与流水线失败 502，链路不可用 503。
*/
package handlers
