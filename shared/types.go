package shared

import "time"

type ServerConfig struct {
	Sos      SosConfig      `mapstructure:"sos" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
	Sqlite   SqliteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Twilio   TwilioConfig   `mapstructure:"twilio"`
	Nats     NatsConfig     `mapstructure:"nats"`
}

type SosConfig struct {
	Cron              CronConfig     `mapstructure:"cron" validate:"required"`
	Listener          ListenerConfig `mapstructure:"listener" validate:"required"`
	Workers           WorkersConfig  `mapstructure:"workers"`
	EscalationDelay   time.Duration  `mapstructure:"escalationDelay" validate:"gt=0"`
	PeerRadiusKm      float64        `mapstructure:"peerRadiusKm" validate:"gt=0"`
	FanoutConcurrency int            `mapstructure:"fanoutConcurrency" validate:"gte=0"`
	SweepSchedule     string         `mapstructure:"sweepSchedule" validate:"required"`
	SweepGrace        time.Duration  `mapstructure:"sweepGrace" validate:"gte=0"`
	AuthorityNumbers  []string       `mapstructure:"authorityNumbers" validate:"dive,e164"`
}

type CronConfig struct {
	TimeZone string `mapstructure:"timeZone" validate:"required"`
}

type ListenerConfig struct {
	Port        int      `mapstructure:"port" validate:"required"`
	CorsOrigins []string `mapstructure:"corsOrigins"`
}

type WorkersConfig struct {
	Concurrency int `mapstructure:"concurrency" validate:"gte=0"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=memory sqlite postgres"`
}

type SqliteConfig struct {
	PassPhrase string `mapstructure:"passPhrase"`
	Dir        string `mapstructure:"dir"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TwilioConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	DryRun              bool   `mapstructure:"dryRun"`
	AccountSid          string `mapstructure:"accountSid" validate:"required_with=Enabled"`
	AuthToken           string `mapstructure:"authToken" validate:"required_with=Enabled"`
	MessagingServiceSid string `mapstructure:"messagingServiceSid" validate:"required_with=Enabled"`
}

type NatsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url" validate:"required_with=Enabled"`
	SubjectPrefix  string        `mapstructure:"subjectPrefix"`
	MaxReconnects  int           `mapstructure:"maxReconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnectWait"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
}
