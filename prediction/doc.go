// 版权所有 2024 MeshForge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 prediction 实现外部 3D 生成预测服务（Replicate 风格 API）的客户端。

# 接口

  - POST {base}/predictions：提交生成请求，首张图片作为 image，
    其余图片填入固定 3 个槽位的 multiple_views，不足以 null 补齐。
  - GET {base}/predictions/{id}：查询预测状态、输出与指标。
  - POST {base}/predictions/{id}/cancel：取消预测。

# 轮询

PollUntilTerminal 以固定间隔（默认 5 秒）轮询，最多 60 次。单次失败
只记录日志并消耗一次尝试；每次成功的响应都会回调 SnapshotFunc，
由调用方持久化原始快照。succeeded、failed、canceled 为终态；
耗尽尝试次数返回 TIMEOUT，上下文取消返回 CANCELLED。

# 错误

未配置 API Key 返回 CONFIG_ERROR；非 2xx 或无法解析的响应返回
UPSTREAM_ERROR，429 与 5xx 标记为可重试。
*/
package prediction
