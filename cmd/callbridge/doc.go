// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 callbridge 服务端程序入口。

# 概述

cmd/callbridge 连接 Asterisk ARI 事件流，为每通来电运行对话流程，
并通过 HTTP 暴露通话查询与控制接口。

# 核心类型

  - App:          组件装配：链路、分发器、编排器、HTTP 与 Metrics 服务
  - Middleware:   HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、version、health、help
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、RateLimiter（基于 IP）
  - 优雅关闭：信号 → 取消通话并挂断 → 断开链路 → 关闭事件总线
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
