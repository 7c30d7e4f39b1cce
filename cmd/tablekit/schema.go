package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tablekit/tablekit/pkg/catalog"
)

var (
	schemaName   string
	schemaTables string
	schemaOut    string
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Introspect table metadata and optionally write the schema cache",
	Long: `Introspects columns, keys, and relations of the given tables and
prints them. With --out, writes the metadata cache file the engine can
load at startup instead of re-querying the catalog.

Examples:
  tablekit schema --tables users,posts
  tablekit schema --tables users,posts --out schema-cache.json
`,
	Run: runSchema,
}

func init() {
	f := schemaCmd.Flags()
	f.StringVarP(&schemaName, "schema", "s", "public", "database schema to introspect")
	f.StringVarP(&schemaTables, "tables", "t", "", "comma-separated table names (default: every table in the schema)")
	f.StringVarP(&schemaOut, "out", "o", "", "write the metadata cache to this file")
	f.StringP("pg.connString", "c", "", "PostgreSQL connection string")
	viper.BindPFlags(f)
}

func runSchema(cmd *cobra.Command, args []string) {
	connString := cfg.PG.ConnString
	if flagConn := viper.GetString("pg.connString"); flagConn != "" {
		connString = flagConn
	}
	if connString == "" {
		fmt.Println("PostgreSQL connection string required (--pg.connString or TABLEKIT_PG_CONNSTRING)")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer pool.Close()

	names, err := tableNames(ctx, pool)
	if err != nil {
		logger.Fatal("list tables", zap.Error(err))
	}

	tables := make(map[string]*catalog.Table, len(names))
	for _, name := range names {
		t, err := catalog.Load(ctx, pool, schemaName, name)
		if err != nil {
			logger.Fatal("introspect", zap.String("table", name), zap.Error(err))
		}
		tables[t.FullName()] = t
	}

	printTables(tables)

	if schemaOut != "" {
		if err := catalog.SaveCache(schemaOut, tables); err != nil {
			logger.Fatal("write schema cache", zap.Error(err))
		}
		fmt.Printf("\nwrote %d tables to %s\n", len(tables), schemaOut)
	}
}

func tableNames(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	if schemaTables != "" {
		var names []string
		for _, name := range strings.Split(schemaTables, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		return names, nil
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, schemaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func printTables(tables map[string]*catalog.Table) {
	heading := color.New(color.FgCyan, color.Bold)
	key := color.New(color.FgYellow)
	dim := color.New(color.Faint)

	for _, name := range sortedTableKeys(tables) {
		t := tables[name]
		heading.Println(name)
		for _, col := range t.Columns {
			attrs := []string{col.DataType}
			if !col.Nullable {
				attrs = append(attrs, "not null")
			}
			if col.HasDefault() {
				attrs = append(attrs, "default "+*col.Default)
			}
			line := fmt.Sprintf("  %-24s %s", col.Name, strings.Join(attrs, ", "))
			if contains(t.PrimaryKeys, col.Name) {
				key.Println(line + "  [pk]")
			} else {
				fmt.Println(line)
			}
		}
		for _, fk := range t.ForeignKeys {
			dim.Printf("  %s -> %s(%s) on update %s, on delete %s\n",
				fk.Column, fk.ReferencedTable, fk.ReferencedColumn, fk.OnUpdate, fk.OnDelete)
		}
		for _, set := range t.Unique {
			dim.Printf("  unique (%s)\n", strings.Join(set, ", "))
		}
		fmt.Println()
	}
}

func sortedTableKeys(tables map[string]*catalog.Table) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contains(set []string, s string) bool {
	for _, item := range set {
		if item == s {
			return true
		}
	}
	return false
}
