// 版权所有 2024 MeshForge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package testutil 提供 MeshForge 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertErrorCode / AssertJobStatus / AssertJSONEqual /
    AssertContains
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual / WaitFor /
    WaitForChannel
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/fixtures: 可解码的 PNG / JPEG 图片与各状态的任务样例
  - testutil/mocks: PredictionServer，基于 httptest 的预测服务模拟，
    支持状态序列、失败注入与模型文件下载
*/
package testutil
