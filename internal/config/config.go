package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/khanghh/kshelf/params"
	"github.com/spf13/viper"
)

const (
	DefaultListenAddr           = ":3000"
	DefaultCleanupIntervalHours = 24
	DefaultArchiveFormat        = "json"
	DefaultRateLimitMax         = 60
	DefaultRateLimitExpiration  = time.Minute
	DefaultNodeID               = 1
	MaxNodeID                   = 1023 // 10 bit snowflake node
)

type MySQLConfig struct {
	Dsn             string   `mapstructure:"dsn"`
	TablePrefix     string   `mapstructure:"tablePrefix"`
	Replicas        []string `mapstructure:"replicas"`
	MaxIdleConns    int      `mapstructure:"maxIdleConns"`
	MaxOpenConns    int      `mapstructure:"maxOpenConns"`
	ConnMaxIdleTime int      `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime int      `mapstructure:"connMaxLifetime"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type RateLimitConfig struct {
	Max        int           `mapstructure:"max"`
	Expiration time.Duration `mapstructure:"expiration"`
}

type AdminConfig struct {
	JWTSecret string          `mapstructure:"jwtSecret"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
}

type S3Config struct {
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
	Prefix string `mapstructure:"prefix"`
}

type AuditConfig struct {
	CleanupEnabled       bool           `mapstructure:"cleanupEnabled"`
	CleanupIntervalHours int            `mapstructure:"cleanupIntervalHours"`
	ArchiveBeforeDelete  bool           `mapstructure:"archiveBeforeDelete"`
	ArchivePath          string         `mapstructure:"archivePath"`
	ArchiveFormat        string         `mapstructure:"archiveFormat"`
	CompressArchives     bool           `mapstructure:"compressArchives"`
	ArchiveMaxAgeDays    int            `mapstructure:"archiveMaxAgeDays"`
	ArchivePruneSchedule string         `mapstructure:"archivePruneSchedule"`
	StatsCacheTTL        time.Duration  `mapstructure:"statsCacheTTL"`
	RetentionPolicies    map[string]int `mapstructure:"retentionPolicies"`
	S3                   S3Config       `mapstructure:"s3"`
}

func (c AuditConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

type Config struct {
	Debug        bool        `mapstructure:"debug"`
	NodeID       int64       `mapstructure:"nodeId"`
	ListenAddr   string      `mapstructure:"listenAddr"`
	HealthAddr   string      `mapstructure:"healthAddr"`
	AllowOrigins []string    `mapstructure:"allowOrigins"`
	MySQL        MySQLConfig `mapstructure:"mysql"`
	Redis        RedisConfig `mapstructure:"redis"`
	Admin        AdminConfig `mapstructure:"admin"`
	Audit        AuditConfig `mapstructure:"audit"`
}

func (c *Config) Sanitize() error {
	if c.NodeID < 0 || c.NodeID > MaxNodeID {
		return fmt.Errorf("nodeId must be between 0 and %d", MaxNodeID)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.HealthAddr == "" {
		c.HealthAddr = params.HealthCheckServerAddr
	}
	if c.MySQL.Dsn != "" {
		dsn, err := NormalizeDSN(c.MySQL.Dsn)
		if err != nil {
			return err
		}
		c.MySQL.Dsn = dsn
	}
	for i, replica := range c.MySQL.Replicas {
		dsn, err := NormalizeDSN(replica)
		if err != nil {
			return err
		}
		c.MySQL.Replicas[i] = dsn
	}
	if c.Admin.RateLimit.Max <= 0 {
		c.Admin.RateLimit.Max = DefaultRateLimitMax
	}
	if c.Admin.RateLimit.Expiration <= 0 {
		c.Admin.RateLimit.Expiration = DefaultRateLimitExpiration
	}
	if c.Audit.CleanupIntervalHours <= 0 {
		c.Audit.CleanupIntervalHours = DefaultCleanupIntervalHours
	}
	if c.Audit.ArchivePath == "" {
		c.Audit.ArchivePath = params.ArchiveDirDefault
	}
	c.Audit.ArchiveFormat = strings.ToLower(c.Audit.ArchiveFormat)
	if c.Audit.ArchiveFormat != "csv" && c.Audit.ArchiveFormat != "json" {
		c.Audit.ArchiveFormat = DefaultArchiveFormat
	}
	if c.Audit.ArchiveMaxAgeDays < 0 {
		c.Audit.ArchiveMaxAgeDays = 0
	}
	if c.Audit.ArchiveMaxAgeDays > params.ArchiveMaxAgeMaxDays {
		return fmt.Errorf("audit.archiveMaxAgeDays must not exceed %d", params.ArchiveMaxAgeMaxDays)
	}
	if c.Audit.ArchivePruneSchedule == "" {
		c.Audit.ArchivePruneSchedule = params.ArchivePruneDefault
	}
	if c.Audit.StatsCacheTTL <= 0 {
		c.Audit.StatsCacheTTL = params.StatsCacheTTLDefault
	}
	return nil
}

// NormalizeDSN forces UTC time parsing on a MySQL DSN so that CreatedAt
// round-trips without a local-time shift.
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nodeId", DefaultNodeID)
	v.SetDefault("audit.cleanupEnabled", true)
	v.SetDefault("audit.cleanupIntervalHours", DefaultCleanupIntervalHours)
	v.SetDefault("audit.archiveFormat", DefaultArchiveFormat)
}

func LoadConfig(filename string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}
