// 版权所有 2024 MeshForge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 preprocess 在上传之前压缩用户提交的照片。

# 处理规则

  - 每批图片数量必须等于 Config.ImageCount（默认 4）。
  - 不超过 PassThroughBytes（10 MiB）的图片原样透传。
  - 更大的图片解码后按 Lanczos 缩放到 1024x1024 以内并编码为 JPEG q85；
    若结果仍超过 SecondPassBytes（5 MiB），从解码结果重新缩放到
    800x800 以内并编码为 JPEG q75。
  - 压缩后的文件名扩展名改为 .jpg，内容类型为 image/jpeg。

单张图片失败会终止整批处理，返回携带索引的 PREPROCESS_ERROR。
图片通过 errgroup 并发处理，结果顺序与输入一致，编码缓冲区
复用 internal/pool.ByteBufferPool。
*/
package preprocess
