package repository

import (
	_ "embed"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// SchemaStatements 建表语句（按分号拆分，去掉注释行）
func SchemaStatements() []string {
	var out []string
	for _, stmt := range strings.Split(schemaSQL, ";") {
		lines := make([]string, 0)
		for _, line := range strings.Split(stmt, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		if s := strings.TrimSpace(strings.Join(lines, "\n")); s != "" {
			out = append(out, s)
		}
	}
	return out
}
