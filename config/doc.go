// Package config 提供 MeshForge 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，
// 环境变量统一使用 MESHFORGE_ 前缀并可由 .env 文件注入。
package config
