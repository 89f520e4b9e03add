/*
Package callbus 把原始 ARI 通知转换为通话生命周期事件并广播。

Bus 是通过构造函数传递的发布/订阅对象，不存在进程级单例，多个
编排器实例可以在测试中互不干扰。Dispatcher 只对外暴露 CallStarted /
CallEnded 两种事件，播放与录音事件转交给 MediaHandler。

同一 callID 的 CallEnded 永远不会先于其 CallStarted 送达；没有
对应 CallStarted 的 StasisEnd 会被丢弃。缺失来电信息的事件以空字符串
补齐，缺少通道 ID 的事件记录告警后跳过，不影响后续事件。
*/
package callbus
