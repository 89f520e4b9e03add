// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 callbridge 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup 防止泄漏
  - 异步等待: AssertEventuallyTrue / WaitFor / WaitForChannel
  - 时钟: StepClock，为会话排序提供严格递增的时间戳

# 子包

  - testutil/fixtures: ARI 事件帧构造（StasisStart、StasisEnd、
    PlaybackFinished、RecordingStarted / Finished / Failed）
*/
package testutil
