// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 callbridge 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 ari、callbus、session、
telephony、orchestrator 等上层模块提供统一的类型契约。

# 核心类型

  - CallSession:        一通电话的会话记录（录音、转写、回复均为追加写）
  - LifecycleEvent:     通话生命周期事件（CallStarted / CallEnded）
  - RecordingHandle:    录音请求句柄（名称、确认状态、文件路径）
  - ChatMessage:        文本生成请求中的一条消息
  - Error / ErrorCode:  结构化错误体系，含 HTTP 状态码、Retryable、CallID 标记

# 错误分类

  - CONNECTION_ERROR:             信令链路断开，链路层无限重试
  - TELEPHONY_ACTION_FAILED:      单个电话指令被拒绝，转入挂机
  - RECORDING_*:                  录音失败 / 超时 / 重复，结束本轮对话并挂机
  - SESSION_*:                    会话存储误用
  - PIPELINE_ERROR:               外部音频流水线失败，放弃剩余步骤
*/
package types
