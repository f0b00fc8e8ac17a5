package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令（jobs 表）
// =============================================================================

// runMigrate handles "meshforge migrate <subcommand> [options] [args]".
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	action := args[0]
	if action == "help" || action == "-h" || action == "--help" {
		printMigrateUsage()
		return
	}
	// reset 与 down --all 等价
	if action == "reset" {
		action = "down-all"
	}

	fs := flag.NewFlagSet("migrate "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	all := fs.Bool("all", false, "With down: rollback all migrations")

	// 位置参数（goto/force/steps 的版本号）在选项之前
	rest := args[1:]
	var positional []string
	for len(rest) > 0 && len(rest[0]) > 0 && rest[0][0] != '-' {
		positional = append(positional, rest[0])
		rest = rest[1:]
	}
	_ = fs.Parse(rest)
	positional = append(positional, fs.Args()...)

	if action == "down" && *all {
		action = "down-all"
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).Run(context.Background(), action, positional); err != nil {
		fmt.Fprintf(os.Stderr, "Migration %s failed: %v\n", action, err)
		migrator.Close()
		os.Exit(1)
	}
}

// createMigrator 优先使用 --db-type/--db-url，否则读取配置中的 database 段
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	cfg, err := loadConfig(configPath, ".env")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}

	logger := initLogger(cfg.Log).With(zap.String("command", "migrate"))
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  meshforge migrate <subcommand> [args] [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration (--all for every migration)
  reset       Rollback all migrations
  steps <n>   Apply (n > 0) or rollback (n < 0) n migrations
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  version     Show current migration version
  status      Show migration status
  info        Show a migration summary

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  meshforge migrate up
  meshforge migrate status --config /etc/meshforge/config.yaml
  meshforge migrate goto 1
  meshforge migrate down --all`)
}
