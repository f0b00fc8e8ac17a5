// =============================================================================
// 📦 测试数据工厂 - 图片测试数据
// =============================================================================
// 生成可解码的 PNG / JPEG 图片，字节大小可预估
// =============================================================================
package fixtures

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
)

// MiB 一兆字节
const MiB = 1 << 20

// =============================================================================
// 🖼️ 图片工厂
// =============================================================================

// gradient 生成渐变图片，JPEG 编码后体积较小
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / max(w, 1)),
				G: uint8(y * 255 / max(h, 1)),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return img
}

// PNG 返回未压缩的不透明 PNG，大小约为 w*h*3 字节
func PNG(w, h int) []byte {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&buf, gradient(w, h)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// PNGAtLeast 返回不小于 size 字节的正方形 PNG
func PNGAtLeast(size int) []byte {
	side := 1
	for side*side*3 < size {
		side += 16
	}
	return PNG(side, side)
}

// JPEG 返回指定质量的 JPEG 图片
func JPEG(w, h, quality int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEGOfSize 返回恰好 size 字节、可通过格式识别的 JPEG；EOI 之后以 fill 补齐，
// 解码器忽略尾部字节
func JPEGOfSize(size int, fill byte) []byte {
	data := JPEG(16, 16, 90)
	if size <= len(data) {
		return data
	}
	return append(data, bytes.Repeat([]byte{fill}, size-len(data))...)
}

// TruncatedJPEG 返回头部完整但扫描数据缺失的 JPEG：格式识别成功，完整解码失败
func TruncatedJPEG(size int) []byte {
	data := JPEG(64, 64, 90)
	if sos := bytes.Index(data, []byte{0xFF, 0xDA}); sos > 0 {
		data = data[:sos]
	}
	if size > len(data) {
		data = append(data, bytes.Repeat([]byte{0xAB}, size-len(data))...)
	}
	return data
}

// Blob 返回指定大小的非图片字节，用于格式校验失败与模型文件场景
func Blob(size int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, size)
}

// Decode 解码图片并返回尺寸与格式
func Decode(data []byte) (width, height int, format string, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, "", err
	}
	return cfg.Width, cfg.Height, format, nil
}
