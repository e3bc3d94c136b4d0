package rsql_test

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/jtest"

	"github.com/luno/txrelay/rsql"
)

var dbTestURI = flag.String("db_test_uri", getDefaultURI(), "Test database uri")

// ConnectTestDB returns a connection to a new test database containing the
// cursors table. It skips the test if mysql is not available.
func ConnectTestDB(t *testing.T, table *rsql.CursorsTable) *sql.DB {
	admin, err := sql.Open("mysql", *dbTestURI)
	jtest.RequireNil(t, err)

	if err := admin.Ping(); err != nil {
		_ = admin.Close()
		t.Skipf("mysql not available: %v", err)
	}

	dbName := fmt.Sprintf("test_%d", rand.Int())
	_, err = admin.ExecContext(context.Background(), "create database "+dbName)
	jtest.RequireNil(t, err)

	t.Log("created database: " + dbName)

	t.Cleanup(func() {
		_, err := admin.ExecContext(context.Background(), "drop database "+dbName)
		jtest.RequireNil(t, err)
		err = admin.Close()
		jtest.RequireNil(t, err)
	})

	dbc, err := rsql.Connect(context.Background(), *dbTestURI+dbName+"?collation=utf8mb4_general_ci")
	jtest.RequireNil(t, err)

	t.Cleanup(func() {
		err := dbc.Close()
		jtest.RequireNil(t, err)
	})

	_, err = dbc.Exec(table.CreateTableSQL())
	jtest.RequireNil(t, err)

	return dbc
}

func getDefaultURI() string {
	uri := os.Getenv("DB_TEST_URI")
	if uri != "" {
		return uri
	}

	return "root@unix(" + getSocketFile() + ")/"
}

func getSocketFile() string {
	sock := "/tmp/mysql.sock"
	if _, err := os.Stat(sock); os.IsNotExist(err) {
		// try common linux/Ubuntu socket file location
		return "/var/run/mysqld/mysqld.sock"
	}
	return sock
}
