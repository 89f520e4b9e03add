// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 callbridge 提供集中式的 TracerProvider 和 MeterProvider 配置。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务；
// 通话工作协程通过 Tracer 创建每通电话的 span，
// RegisterCallGauges 导出进行中通话数与 ARI 链路状态。
package telemetry
