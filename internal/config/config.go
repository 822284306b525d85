package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	RateLimit       float64 // requests per second on /v1, 0 disables
	RateBurst       int
}

// CORSConfig holds the allowed origins, "*" allows all.
type CORSConfig struct {
	AllowedOrigins []string
}

// LogConfig holds the logger settings. LogFile enables rotation.
type LogConfig struct {
	Level       string
	Development bool
	LogFile     string
	MaxSize     int // MB
	MaxBackups  int
	MaxAge      int // days
}

// DatabaseConfig holds the SQL settings. An empty Type selects the in-memory store.
type DatabaseConfig struct {
	Type            string // "mysql" or "postgres"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the cache and lock settings. An empty Address disables Redis.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// LDAPConfig holds the directory settings.
type LDAPConfig struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string
	RootOUs      map[string]string // e-mail domain -> ou
	Timeout      time.Duration
}

// KeycloakConfig holds the admin API settings.
type KeycloakConfig struct {
	BaseURL      string
	Realm        string
	AdminRealm   string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// OXConfig holds the groupware SOAP settings.
type OXConfig struct {
	Endpoint           string
	Username           string
	Password           string
	ContextID          string
	ContextName        string
	Timeout            time.Duration
	RequestsPerSecond  float64
	Burst              int
	TeacherGroupPrefix string
}

// EmailConfig holds the provisioning settings.
type EmailConfig struct {
	RetryAttempts        int
	GeneratorMaxAttempts int
	PurgeGracePeriod     time.Duration
	RetryAfter           time.Duration
	CronInterval         time.Duration
	LockTTL              time.Duration
	Domains              map[string]string // service provider id -> domain
}

// AMQPConfig holds the broker settings. An empty URL keeps events in process.
type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
}

// EventsConfig sizes the asynchronous event queue.
type EventsConfig struct {
	QueueSize int
}

// JWTConfig holds the bearer token verification settings.
type JWTConfig struct {
	Secret string
	Issuer string
}

// Config is the root configuration.
type Config struct {
	Server   ServerConfig
	CORS     CORSConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	LDAP     LDAPConfig
	Keycloak KeycloakConfig
	OX       OXConfig
	Email    EmailConfig
	AMQP     AMQPConfig
	Events   EventsConfig
	JWT      JWTConfig
}

// Load reads the configuration from the environment and an optional .env file.
//
// Environment variables use the SPSH_ prefix with "." replaced by "_",
// e.g. SPSH_OX_ENDPOINT or SPSH_EMAIL_RETRY_ATTEMPTS.
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("spsh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	jwtSecret := v.GetString("jwt.secret")
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set SPSH_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:      v.GetString("server.host"),
			Port:      v.GetInt("server.port"),
			RateLimit: v.GetFloat64("server.rate_limit"),
			RateBurst: v.GetInt("server.rate_burst"),
		},
		CORS: CORSConfig{
			AllowedOrigins: parseList(v.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			LogFile:     v.GetString("log.file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
		},
		Database: DatabaseConfig{
			Type:         strings.ToLower(v.GetString("database.type")),
			DSN:          v.GetString("database.dsn"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
			MaxIdleConns: v.GetInt("database.max_idle_conns"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		LDAP: LDAPConfig{
			URL:          v.GetString("ldap.url"),
			BindDN:       v.GetString("ldap.bind_dn"),
			BindPassword: v.GetString("ldap.bind_password"),
			BaseDN:       v.GetString("ldap.base_dn"),
		},
		Keycloak: KeycloakConfig{
			BaseURL:      v.GetString("keycloak.base_url"),
			Realm:        v.GetString("keycloak.realm"),
			AdminRealm:   v.GetString("keycloak.admin_realm"),
			ClientID:     v.GetString("keycloak.client_id"),
			ClientSecret: v.GetString("keycloak.client_secret"),
		},
		OX: OXConfig{
			Endpoint:           v.GetString("ox.endpoint"),
			Username:           v.GetString("ox.username"),
			Password:           v.GetString("ox.password"),
			ContextID:          v.GetString("ox.context_id"),
			ContextName:        v.GetString("ox.context_name"),
			RequestsPerSecond:  v.GetFloat64("ox.requests_per_second"),
			Burst:              v.GetInt("ox.burst"),
			TeacherGroupPrefix: v.GetString("ox.teacher_group_prefix"),
		},
		Email: EmailConfig{
			RetryAttempts:        v.GetInt("email.retry_attempts"),
			GeneratorMaxAttempts: v.GetInt("email.generator_max_attempts"),
		},
		AMQP: AMQPConfig{
			URL:      v.GetString("amqp.url"),
			Exchange: v.GetString("amqp.exchange"),
			Queue:    v.GetString("amqp.queue"),
		},
		Events: EventsConfig{
			QueueSize: v.GetInt("events.queue_size"),
		},
		JWT: JWTConfig{
			Secret: jwtSecret,
			Issuer: v.GetString("jwt.issuer"),
		},
	}

	durations := map[string]*time.Duration{
		"server.shutdown_timeout":    &cfg.Server.ShutdownTimeout,
		"database.conn_max_lifetime": &cfg.Database.ConnMaxLifetime,
		"ldap.timeout":               &cfg.LDAP.Timeout,
		"keycloak.timeout":           &cfg.Keycloak.Timeout,
		"ox.timeout":                 &cfg.OX.Timeout,
		"email.purge_grace_period":   &cfg.Email.PurgeGracePeriod,
		"email.retry_after":          &cfg.Email.RetryAfter,
		"email.cron_interval":        &cfg.Email.CronInterval,
		"email.lock_ttl":             &cfg.Email.LockTTL,
	}
	for key, target := range durations {
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = d
	}

	var err error
	if cfg.LDAP.RootOUs, err = parseMap(v.GetString("ldap.root_ous")); err != nil {
		return nil, fmt.Errorf("invalid ldap.root_ous: %w", err)
	}
	if cfg.Email.Domains, err = parseMap(v.GetString("email.domains")); err != nil {
		return nil, fmt.Errorf("invalid email.domains: %w", err)
	}
	for sp, d := range cfg.Email.Domains {
		cfg.Email.Domains[sp] = strings.ToLower(d)
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}
	if cfg.Email.RetryAttempts <= 0 {
		cfg.Email.RetryAttempts = 1
	}
	if cfg.Email.GeneratorMaxAttempts <= 0 {
		return nil, fmt.Errorf("email.generator_max_attempts must be positive")
	}
	switch cfg.Database.Type {
	case "", "postgres", "postgresql", "mysql":
	default:
		return nil, fmt.Errorf("unsupported database.type %q", cfg.Database.Type)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit", 50)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("database.type", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ldap.url", "ldap://localhost:389")
	v.SetDefault("ldap.bind_dn", "cn=admin,dc=schule-sh,dc=de")
	v.SetDefault("ldap.bind_password", "")
	v.SetDefault("ldap.base_dn", "dc=schule-sh,dc=de")
	v.SetDefault("ldap.root_ous", "schule-sh.de=oeffentlicheSchulen,ersatzschule-sh.de=ersatzSchulen")
	v.SetDefault("ldap.timeout", "10s")
	v.SetDefault("keycloak.base_url", "http://localhost:8080")
	v.SetDefault("keycloak.realm", "SPSH")
	v.SetDefault("keycloak.admin_realm", "master")
	v.SetDefault("keycloak.client_id", "spsh-service")
	v.SetDefault("keycloak.client_secret", "")
	v.SetDefault("keycloak.timeout", "10s")
	v.SetDefault("ox.endpoint", "http://localhost:8081")
	v.SetDefault("ox.username", "oxadmin")
	v.SetDefault("ox.password", "")
	v.SetDefault("ox.context_id", "10")
	v.SetDefault("ox.context_name", "context1")
	v.SetDefault("ox.timeout", "15s")
	v.SetDefault("ox.requests_per_second", 10)
	v.SetDefault("ox.burst", 5)
	v.SetDefault("ox.teacher_group_prefix", "lehrer-")
	v.SetDefault("email.retry_attempts", 3)
	v.SetDefault("email.generator_max_attempts", 30)
	v.SetDefault("email.purge_grace_period", "4320h")
	v.SetDefault("email.retry_after", "1h")
	v.SetDefault("email.cron_interval", "1h")
	v.SetDefault("email.lock_ttl", "2m")
	v.SetDefault("email.domains", "")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "spsh.events")
	v.SetDefault("amqp.queue", "spsh.email")
	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.issuer", "spsh")
}

// parseDuration accepts Go durations plus a "d" suffix for days.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if days, ok := strings.CutSuffix(value, "d"); ok {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(value)
}

// parseMap parses "key=value,key2=value2".
func parseMap(value string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range parseList(value) {
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("entry %q is not key=value", item)
		}
		out[k] = v
	}
	return out, nil
}

// parseList splits a comma separated list and drops empty items.
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile loads .env from the working directory or its parent. Existing
// environment variables win.
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
