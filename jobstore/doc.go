// 版权所有 2024 MeshForge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package jobstore 提供生成任务记录的持久化。

# 概述

Store 接口覆盖创建、读取、带状态校验的更新以及陈旧任务扫描。
每次写入都会校验记录不变量并刷新 UpdatedAt，更新时拒绝
已终态任务的回退或横移。

# 后端

  - MemoryStore：进程内 map，测试与单机开发使用
  - RedisStore：JSON 字符串 + 按状态分组的 ZSET 索引，WATCH 乐观锁
  - GormStore：jobs 表，支持 postgres、mysql、sqlite
  - MongoStore：jobs 集合，按 status+updated_at 建索引

NewStore 按 config.JobStoreConfig.Type 选择后端。
*/
package jobstore
