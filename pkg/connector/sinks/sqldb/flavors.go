package sqldb

import (
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/snowflakedb/gosnowflake"

	"github.com/big-armor/datapm-sub007/pkg/connector/sinks/tabular"
	"github.com/big-armor/datapm-sub007/pkg/errors"
)

// MySQL error 1146: table doesn't exist
const mysqlNoSuchTable = 1146

// Snowflake error 2003: object does not exist or not authorized
const snowflakeObjectMissing = 2003

// NewMySQLSink creates the MySQL sink
func NewMySQLSink() *SQLSink {
	return newSQLSink(flavor{
		kind:    "mysql",
		driver:  "mysql",
		dialect: tabular.MySQL,
		require: []string{"host", "database"},
		dsn: func(c *Config) (string, error) {
			mc := mysql.NewConfig()
			mc.User = c.User
			mc.Passwd = c.Password
			mc.Net = "tcp"
			port := c.Port
			if port == 0 {
				port = 3306
			}
			mc.Addr = fmt.Sprintf("%s:%d", c.Host, port)
			mc.DBName = c.Database
			mc.ParseTime = true
			return mc.FormatDSN(), nil
		},
		missingTable: func(err error) bool {
			var me *mysql.MySQLError
			return errors.As(err, &me) && me.Number == mysqlNoSuchTable
		},
	})
}

// NewSnowflakeSink creates the Snowflake sink
func NewSnowflakeSink() *SQLSink {
	return newSQLSink(flavor{
		kind:    "snowflake",
		driver:  "snowflake",
		dialect: tabular.Snowflake,
		require: []string{"account", "database", "user"},
		dsn: func(c *Config) (string, error) {
			schema := c.Schema
			if schema == "" {
				schema = "PUBLIC"
			}
			dsn, err := gosnowflake.DSN(&gosnowflake.Config{
				Account:   c.Account,
				User:      c.User,
				Password:  c.Password,
				Database:  c.Database,
				Schema:    schema,
				Warehouse: c.Warehouse,
				Role:      c.Role,
			})
			if err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeConfig, "invalid snowflake configuration")
			}
			return dsn, nil
		},
		missingTable: func(err error) bool {
			var se *gosnowflake.SnowflakeError
			return errors.As(err, &se) && se.Number == snowflakeObjectMissing
		},
	})
}
