package config

import "time"

// Config is the fully resolved runtime configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Poll      PollConfig      `mapstructure:"poll"`
	Workers   int             `mapstructure:"workers"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
	Hooks     HooksConfig     `mapstructure:"hooks"`
	Model     ModelConfig     `mapstructure:"model"`
	Secondary SecondaryConfig `mapstructure:"secondary"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// StoreConfig locates the progress database. URL wins over Path.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type SchedulerConfig struct {
	Backend string `mapstructure:"backend"`
	// Owner is the OS user every job must belong to. Empty means the
	// current user.
	Owner           string        `mapstructure:"owner"`
	Queue           string        `mapstructure:"queue"`
	Account         string        `mapstructure:"account"`
	Walltime        string        `mapstructure:"walltime"`
	ListTimeout     time.Duration `mapstructure:"list_timeout"`
	SubmitDelay     time.Duration `mapstructure:"submit_delay"`
	ModelPrefix     string        `mapstructure:"model_prefix"`
	SecondaryPrefix string        `mapstructure:"secondary_prefix"`
	MPICommand      string        `mapstructure:"mpi_command"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	SMTP       SMTPConfig    `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MetricsConfig also drives tracing; both share one exporter setting.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type HooksConfig struct {
	// Prepare generates model configuration before each model submission.
	Prepare        string        `mapstructure:"prepare"`
	PrepareTimeout time.Duration `mapstructure:"prepare_timeout"`
	// StalePatterns are removed from a run directory before a submission.
	StalePatterns []string `mapstructure:"stale_patterns"`
}

type ModelConfig struct {
	Executable string `mapstructure:"executable"`
}

type SecondaryConfig struct {
	Command string `mapstructure:"command"`
}
