// Package config 提供 callbridge 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 兼容环境变量（ISSABEL_*、OPENAI_API_KEY、PORT）
// → CALLBRIDGE_* 环境变量 的顺序叠加，最后由 Validate 统一校验。
package config
