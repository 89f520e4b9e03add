// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package session 提供进程内的通话会话存储。

Store 以 callID 为键保存 CallSession，录音、转写、回复三类日志只允许追加，
会话只有一次终态转换（End）。结束后的写入返回 SESSION_TERMINATED，
重复 End 为空操作。已结束的同 ID 会话在 Create 时被整体替换。

会话历史只在进程生命周期内保留，不做持久化。
*/
package session
