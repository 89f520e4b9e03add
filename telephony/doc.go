// 版权所有 2024 AgentFlow Authors. 保留所有权利。
// 此源代码的使用由 MIT 许可证规范，该许可证可以在 LICENSE 文件中找到。

/*
Package telephony 在 ARI REST 之上提供阻塞式电话指令。

Actions 暴露接听、播放、录音开始/结束与挂断五个操作。播放与录音
请求在发出前先登记等待者，随后通过 HandleMediaEvent 接收链路转交的
媒体事件，按 playback ID 或录音名关联，不会被同一通道上的其他播放
或录音事件误触发。

# 录音

同一通话同一时刻只允许一个录音。StartRecording 在 ack_timeout 内
等待 RecordingStarted 或 RecordingFailed，超时返回 RECORDING_TIMEOUT
并释放占用。录音文件路径依次取事件 file_path、配置目录、探测目录，
都无法确定时返回未解析的句柄，由调用方以录音名作为引用。

挂断返回 404 时视为成功，因此重复挂断是安全的。
*/
package telephony
