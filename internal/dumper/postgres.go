package dumper

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"

	"stack-back/internal/logger"
	"stack-back/internal/model"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	postgresPort        = "5432"
	defaultPostgresUser = "postgres"
)

// PgDumpBinary is the pg_dump tool shipped in the image.
var PgDumpBinary = "pg_dump"

func init() {
	RegisterDumperFactory(model.EnginePostgres, func(u *model.BackupUnit) Dumper {
		return &PostgresDumper{unit: u}
	})
}

// PostgresDumper dumps the single database named by POSTGRES_DB.
type PostgresDumper struct {
	unit *model.BackupUnit
}

// Credentials follows the postgres image conventions: POSTGRES_USER
// defaults to "postgres" and POSTGRES_DB defaults to the user.
func (d *PostgresDumper) Credentials() (Credentials, error) {
	desc := d.unit.Descriptor
	password, ok := desc.EnvValue("POSTGRES_PASSWORD")
	if !ok || password == "" {
		return Credentials{}, fmt.Errorf("%w for service %s (tried POSTGRES_PASSWORD)", ErrMissingCredentials, desc.DisplayName())
	}
	user, _ := desc.EnvValue("POSTGRES_USER")
	if user == "" {
		user = defaultPostgresUser
	}
	database, _ := desc.EnvValue("POSTGRES_DB")
	if database == "" {
		database = user
	}
	return Credentials{
		Host:     hostFor(desc),
		Port:     postgresPort,
		User:     user,
		Password: password,
		Database: database,
	}, nil
}

func (d *PostgresDumper) DumpName() (string, error) {
	creds, err := d.Credentials()
	if err != nil {
		return "", err
	}
	return creds.Database + ".sql", nil
}

func (d *PostgresDumper) DumpCommand(ctx context.Context) (*exec.Cmd, error) {
	creds, err := d.Credentials()
	if err != nil {
		return nil, err
	}
	args := []string{
		"--host=" + creds.Host,
		"--port=" + creds.Port,
		"--username=" + creds.User,
		creds.Database,
	}
	cmd := exec.CommandContext(ctx, PgDumpBinary, args...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+creds.Password)

	logger.Log.Info("Prepared database dump",
		zap.String("service", d.unit.ServiceName()),
		zap.String("command", PgDumpBinary),
		zap.Strings("args", args),
		zap.Bool("password_set", creds.Password != ""),
	)
	return cmd, nil
}

func (d *PostgresDumper) Healthcheck(ctx context.Context) error {
	creds, err := d.Credentials()
	if err != nil {
		return err
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(creds.User, creds.Password),
		Host:     net.JoinHostPort(creds.Host, creds.Port),
		Path:     "/" + creds.Database,
		RawQuery: "sslmode=disable&connect_timeout=5",
	}
	db, err := sql.Open("postgres", u.String())
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", u.Host, err)
	}
	return nil
}
