package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
)

const (
	DefaultBackupCommand      = "source /.env && stack-back backup > /proc/1/fd/1"
	DefaultMaintenanceCommand = "source /.env && stack-back maintenance > /proc/1/fd/1"
	DefaultCronSchedule       = "0 2 * * *"
)

var (
	ErrMissingRepository = errors.New("RESTIC_REPOSITORY env var not set")
	ErrMissingPassword   = errors.New("RESTIC_PASSWORD or RESTIC_PASSWORD_FILE env var not set")
)

type ResticConfig struct {
	Repository   string `conf:"RESTIC_REPOSITORY"`
	Password     string `conf:"RESTIC_PASSWORD"`
	PasswordFile string `conf:"RESTIC_PASSWORD_FILE"`
	Binary       string `conf:"RESTIC_BINARY,restic"`

	KeepDaily   int `conf:"RESTIC_KEEP_DAILY|KEEP_DAILY,7"`
	KeepWeekly  int `conf:"RESTIC_KEEP_WEEKLY|KEEP_WEEKLY,4"`
	KeepMonthly int `conf:"RESTIC_KEEP_MONTHLY|KEEP_MONTHLY,12"`
	KeepYearly  int `conf:"RESTIC_KEEP_YEARLY|KEEP_YEARLY,3"`

	CheckWithCache bool `conf:"CHECK_WITH_CACHE,false"`
}

type ScheduleConfig struct {
	CronSchedule        string `conf:"CRON_SCHEDULE"`
	CronCommand         string `conf:"CRON_COMMAND"`
	MaintenanceSchedule string `conf:"MAINTENANCE_SCHEDULE"`
	MaintenanceCommand  string `conf:"MAINTENANCE_COMMAND"`
}

type TopologyConfig struct {
	IncludeProjectName       bool `conf:"INCLUDE_PROJECT_NAME,false"`
	ExcludeBindMounts        bool `conf:"EXCLUDE_BIND_MOUNTS,false"`
	IncludeAllComposeProject bool `conf:"INCLUDE_ALL_COMPOSE_PROJECTS,false"`
	AutoBackupAll            bool `conf:"AUTO_BACKUP_ALL,false"`
	IncludeAllVolumes        bool `conf:"INCLUDE_ALL_VOLUMES,false"`

	VolumesRoot string `conf:"VOLUMES_ROOT,/volumes"`
}

type RuntimeConfig struct {
	DockerSocket       string `conf:"DOCKER_SOCKET,/var/run/docker.sock"`
	StopTimeoutSeconds int    `conf:"STOP_TIMEOUT_SECONDS,30"`
	HTTPAddr           string `conf:"HTTP_ADDR,:8080"`
	LogLevel           string `conf:"LOG_LEVEL,info"`
}

type ReportConfig struct {
	Dest            string `conf:"REPORT_DEST,none"`
	LocalPath       string `conf:"LOCAL_REPORT_PATH,/reports"`
	Bucket          string `conf:"BUCKET_NAME"`
	Region          string `conf:"REGION"`
	Endpoint        string `conf:"ENDPOINT"`
	AccessKeyID     string `conf:"ACCESS_KEY_ID"`
	SecretAccessKey string `conf:"SECRET_ACCESS_KEY"`
	Retention       string `conf:"REPORT_RETENTION,30d"`
	GCDryRun        bool   `conf:"GC_DRY_RUN,false"`

	WebhookURL            string `conf:"WEBHOOK_URL"`
	WebhookSecret         string `conf:"WEBHOOK_SECRET"`
	WebhookTimeoutSeconds int    `conf:"WEBHOOK_TIMEOUT_SECONDS,10"`
	WebhookMaxRetries     int    `conf:"WEBHOOK_MAX_RETRIES,3"`
}

// Config is built once at process start and passed explicitly to the
// resolver and orchestrator.
type Config struct {
	Restic   ResticConfig
	Schedule ScheduleConfig
	Topology TopologyConfig
	Runtime  RuntimeConfig
	Report   ReportConfig
}

// Load reads the configuration from the environment. Validation is left to
// the caller so that commands which do not touch the repository still work.
func Load() Config {
	var conf Config
	loadStruct(reflect.ValueOf(&conf).Elem(), os.LookupEnv)
	return conf
}

// AutoBackupAllEnabled folds the deprecated INCLUDE_ALL_VOLUMES alias into AUTO_BACKUP_ALL.
func (t TopologyConfig) AutoBackupAllEnabled() bool {
	return t.AutoBackupAll || t.IncludeAllVolumes
}

// IncludeProjectNameEnabled is forced on in multi-project mode so that
// services with equal names in different projects never share a path.
func (t TopologyConfig) IncludeProjectNameEnabled() bool {
	return t.IncludeProjectName || t.IncludeAllComposeProject
}

func (r RuntimeConfig) StopTimeout() time.Duration {
	return time.Duration(r.StopTimeoutSeconds) * time.Second
}

// RetentionPeriod parses REPORT_RETENTION: "7d", "36h" or a bare number of days.
func (r ReportConfig) RetentionPeriod() (time.Duration, error) {
	value := strings.TrimSpace(r.Retention)
	if value == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative retention period %q", value)
		}
		return d, nil
	}
	days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
	if err != nil {
		return 0, fmt.Errorf("invalid retention period %q: %w", value, err)
	}
	if days < 0 {
		return 0, fmt.Errorf("negative retention period %q", value)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// Validate returns every configuration error found. It must pass before any
// command with side effects on the repository or containers runs.
func (c Config) Validate() error {
	var errs []error

	if c.Restic.Repository == "" {
		errs = append(errs, ErrMissingRepository)
	}
	if c.Restic.Password == "" && c.Restic.PasswordFile == "" {
		errs = append(errs, ErrMissingPassword)
	}
	if s := StripQuotes(c.Schedule.CronSchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			errs = append(errs, fmt.Errorf("invalid CRON_SCHEDULE %q: %w", s, err))
		}
	}
	if s := StripQuotes(c.Schedule.MaintenanceSchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			errs = append(errs, fmt.Errorf("invalid MAINTENANCE_SCHEDULE %q: %w", s, err))
		}
	}
	for name, v := range map[string]int{
		"KEEP_DAILY":   c.Restic.KeepDaily,
		"KEEP_WEEKLY":  c.Restic.KeepWeekly,
		"KEEP_MONTHLY": c.Restic.KeepMonthly,
		"KEEP_YEARLY":  c.Restic.KeepYearly,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}
	switch c.Report.Dest {
	case "", "none", "local":
	case "remote":
		if c.Report.Bucket == "" {
			errs = append(errs, errors.New("REPORT_DEST=remote requires BUCKET_NAME"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported REPORT_DEST %q", c.Report.Dest))
	}
	if _, err := c.Report.RetentionPeriod(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// StripQuotes trims whitespace and one level of enclosing quotes, as
// docker compose env files tend to keep them.
func StripQuotes(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	if value[0] == '"' || value[0] == '\'' {
		value = value[1:]
	}
	if value != "" && (value[len(value)-1] == '"' || value[len(value)-1] == '\'') {
		value = value[:len(value)-1]
	}
	return value
}

type lookupFunc func(key string) (string, bool)

func loadStruct(st reflect.Value, lookup lookupFunc) {
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		fieldType := st.Type().Field(i)

		if fieldType.Type.Kind() == reflect.Struct {
			loadStruct(field, lookup)
			continue
		}

		tag, ok := fieldType.Tag.Lookup("conf")
		if !ok {
			continue
		}
		names, defaultValue, _ := strings.Cut(tag, ",")

		// first name found wins, the rest are aliases
		value, valueGiven := "", false
		for _, name := range strings.Split(names, "|") {
			if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
				value, valueGiven = StripQuotes(v), true
				break
			}
		}
		if !valueGiven {
			value = defaultValue
		}

		switch fieldType.Type.Kind() {
		case reflect.String:
			field.SetString(value)
		case reflect.Int:
			field.SetInt(cast.ToInt64(value))
		case reflect.Bool:
			field.SetBool(cast.ToBool(strings.ToLower(value)))
		default:
			panic("unsupported struct field type " + fieldType.Type.Kind().String())
		}
	}
}
