// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 callbridge 的 HTTP 监听生命周期。

# 核心类型

  - Manager：单个监听（api 或 metrics），Run 一次性监听、服务并在
    context 取消后优雅关闭。
  - Config：监听地址与读写、空闲、关闭超时；FromServerConfig 由
    config.ServerConfig 生成。

# 主要能力

  - Run 可直接放入 errgroup，callbridge 以此同时运行 API 与 Prometheus 两个监听。
  - Ready 在开始监听后关闭，Addr 返回实际地址，便于以 :0 端口测试。
*/
package server
