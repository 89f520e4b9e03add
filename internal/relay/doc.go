// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 relay 把通话生命周期事件镜像到 Redis。

Relay 作为 callbus.Bus 的一个独立订阅者运行：每条 CallStarted /
CallEnded 以 JSON 发布到配置的频道，同时写入
<channel>:call:<callID> 键（带 state_ttl 过期），供外部系统查询
某通电话的最新状态。发布失败只记录日志并计入指标，不影响通话处理。

支持可选 TLS 加密连接。
*/
package relay
