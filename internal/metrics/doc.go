// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、
ARI 信令链路、通话生命周期、电话指令与音频流水线。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。
Collector 的方法对 nil 接收者安全，组件可以在未启用指标时传入 nil。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 信令链路：连接尝试（成功/失败）、重连次数、连接状态 Gauge、事件计数。
  - 通话：开始/结束计数、活跃通话 Gauge、容量拒绝计数，
    以及按 stage 分组的阶段耗时与结果。
  - 电话指令：answer/play/record/hangup 的次数与耗时。
  - 音频流水线：transcribe/complete/synthesize 的次数与耗时。
  - 事件中继：镜像到 Redis 的生命周期事件计数。
*/
package metrics
