package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"plantops-data/common/database"
	"plantops-data/internal/config"
	"plantops-data/internal/repository"
)

// 用法：apply-migration [extra_migration.sql ...]
// 先执行内置 schema，再依次执行额外的迁移文件
func main() {
	cfg := config.Load()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatalf("Cannot connect to database: %v", err)
	}
	defer database.Close(db)

	fmt.Printf("Connected to database: %s\n\n", cfg.Database.Database)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stmts := repository.SchemaStatements()
	for _, file := range os.Args[1:] {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatalf("Failed to read migration file: %v", err)
		}
		stmts = append(stmts, string(content))
	}

	for i, stmt := range stmts {
		fmt.Printf("Executing statement %d/%d...\n", i+1, len(stmts))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Fatalf("Failed to execute statement %d: %v\nStatement: %s", i+1, err, stmt[:min(100, len(stmt))])
		}
	}

	fmt.Println("Migration completed successfully")
}
