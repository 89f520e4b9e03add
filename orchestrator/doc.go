// 版权所有 2024 AgentFlow Authors. 保留所有权利。
// 此源代码的使用由 MIT 许可证规范，该许可证可以在 LICENSE 文件中找到。

/*
Package orchestrator 为每通电话运行一个状态机。

Orchestrator 订阅 callbus 生命周期事件：CallStarted 创建会话并向
工作协程池提交一个通话任务；CallEnded 结束会话并取消对应任务。
池满时立即挂断新来电。

# 通话流程

	idle → answering → playing → recording → transcribing → generating
	     → synthesizing → playing_response → hanging_up → ended

录音在 recording.enabled 或 pipeline.enabled 时执行；转写、生成、
合成只在 pipeline.enabled 时执行，pipeline.max_turns 控制轮数。
每个阶段都有独立超时，并在通话被取消时立即返回，即使底层调用
不响应 context。任何失败都进入 hanging_up；远端已挂断时跳过挂断。

电话与流水线通过 Telephony / Pipeline 能力接口注入，测试中可以
替换为内存实现。
*/
package orchestrator
