// 版权所有 2024 MeshForge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package pipeline 编排照片到 3D 模型的异步生成流程。

# 概述

Orchestrator.Submit 校验输入、写入 pending 任务并把执行投递到
internal/pool 的协程池，随即返回任务 ID。工作协程按以下阶段推进：

 1. preprocess：压缩超限图片
 2. upload_images：并发上传到制品存储（失败即终止）
 3. submit：提交预测
 4. poll：轮询直到终态，每次快照都持久化
 5. download_model / upload_model：转存模型，失败时回退到上游地址

每个阶段结束后持久化任务记录。任何路径都不会让任务停留在
processing：panic 与关闭中断都会以脱离取消的上下文写入 failed。

# 恢复

Recover 在启动时把上一个进程遗留的陈旧任务标记为失败，不会断点续跑。
*/
package pipeline
