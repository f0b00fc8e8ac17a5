// 版权所有 2024 MeshForge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 artifact 负责图片与模型制品的持久化与转存。

# 核心类型

  - Store：制品存储接口，Put 返回可公开访问的 URL。
  - LocalStore：写入本地目录，由 API 在 /artifacts/ 下对外提供。
  - S3Store：基于 aws-sdk-go-v2 的 PutObject，支持自定义端点
    （MinIO 等）、路径风格寻址与静态凭证。
  - Uploader：对 Store 的固定间隔重试封装，默认 3 次、间隔 2 秒，
    耗尽后返回 UPLOAD_ERROR。
  - Downloader：带超时与大小上限的模型下载器，超限返回 ErrTooLarge。

对象键格式为 <jobID>/<images|models>/<文件名>，S3 后端额外加上
配置的键前缀。
*/
package artifact
