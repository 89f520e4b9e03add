// Package tlsutil 提供集中式 TLS 配置，
// 为 ARI REST/事件流、音频流水线和 Redis 中继提供安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
