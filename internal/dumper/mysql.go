package dumper

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"stack-back/internal/logger"
	"stack-back/internal/model"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

const (
	mysqlPort        = "3306"
	allDatabasesName = "all_databases.sql"
)

var (
	// MySQLDumpBinary and MariaDBDumpBinary are the client tools shipped in
	// the image.
	MySQLDumpBinary   = "mysqldump"
	MariaDBDumpBinary = "mariadb-dump"
)

var (
	mysqlCandidates = []envCandidate{
		{fixedUser: "root", passwordVar: "MYSQL_ROOT_PASSWORD"},
		{userVar: "MYSQL_USER", passwordVar: "MYSQL_PASSWORD"},
	}
	mariadbCandidates = []envCandidate{
		{fixedUser: "root", passwordVar: "MARIADB_ROOT_PASSWORD"},
		{fixedUser: "root", passwordVar: "MYSQL_ROOT_PASSWORD"},
		{userVar: "MARIADB_USER", passwordVar: "MARIADB_PASSWORD"},
		{userVar: "MYSQL_USER", passwordVar: "MYSQL_PASSWORD"},
	}
)

func init() {
	RegisterDumperFactory(model.EngineMySQL, func(u *model.BackupUnit) Dumper {
		return &MySQLDumper{unit: u, binary: MySQLDumpBinary, candidates: mysqlCandidates}
	})
	RegisterDumperFactory(model.EngineMariaDB, func(u *model.BackupUnit) Dumper {
		return &MySQLDumper{unit: u, binary: MariaDBDumpBinary, candidates: mariadbCandidates}
	})
}

// MySQLDumper dumps all databases of a MySQL or MariaDB server. The two
// engines differ only in their dump binary and credential variables.
type MySQLDumper struct {
	unit       *model.BackupUnit
	binary     string
	candidates []envCandidate
}

func (d *MySQLDumper) Credentials() (Credentials, error) {
	user, password, err := resolveCredentials(d.unit.Descriptor, d.candidates)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		Host:     hostFor(d.unit.Descriptor),
		Port:     mysqlPort,
		User:     user,
		Password: password,
	}, nil
}

func (d *MySQLDumper) DumpName() (string, error) {
	return allDatabasesName, nil
}

func (d *MySQLDumper) DumpCommand(ctx context.Context) (*exec.Cmd, error) {
	creds, err := d.Credentials()
	if err != nil {
		return nil, err
	}
	args := []string{
		"--host=" + creds.Host,
		"--port=" + creds.Port,
		"--user=" + creds.User,
		"--all-databases",
		"--no-tablespaces",
		"--single-transaction",
		"--order-by-primary",
		"--compact",
		"--force",
	}
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+creds.Password)

	logger.Log.Info("Prepared database dump",
		zap.String("service", d.unit.ServiceName()),
		zap.String("command", d.binary),
		zap.Strings("args", args),
		zap.Bool("password_set", creds.Password != ""),
	)
	return cmd, nil
}

// Healthcheck opens a connection with the resolved credentials and pings
// the server.
func (d *MySQLDumper) Healthcheck(ctx context.Context) error {
	creds, err := d.Credentials()
	if err != nil {
		return err
	}
	conf := mysql.NewConfig()
	conf.Net = "tcp"
	conf.Addr = net.JoinHostPort(creds.Host, creds.Port)
	conf.User = creds.User
	conf.Passwd = creds.Password
	conf.Timeout = 5 * time.Second

	connector, err := mysql.NewConnector(conf)
	if err != nil {
		return fmt.Errorf("invalid mysql connection settings: %w", err)
	}
	db := sql.OpenDB(connector)
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", conf.Addr, err)
	}
	return nil
}
