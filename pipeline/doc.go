// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package pipeline 是 OpenAI 兼容接口之上的音频流水线客户端。

Client 提供三个操作：

  - Transcribe: 以 multipart 上传录音到 /v1/audio/transcriptions
  - Complete: 以对话历史调用 /v1/chat/completions
  - Synthesize: 调用 /v1/audio/speech，并把音频写入 audio_dir

所有失败都返回 PIPELINE_ERROR 类型的 *types.Error，并保留上游
HTTP 状态码；429 与 5xx 标记为可重试。
*/
package pipeline
