package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Presence PresenceConfig `mapstructure:"presence"`
	Tickets  TicketsConfig  `mapstructure:"tickets"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Amqp     AmqpConfig     `mapstructure:"amqp"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`

	// Browser origins allowed to open the websocket and call the http
	// endpoints. "*" allows any origin. Requests without an Origin header
	// are not from a browser and always pass.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type PresenceConfig struct {
	// If true, a connection must carry a verified identity before it can
	// open any ticket. Otherwise unidentified connections view tickets as
	// anonymous viewers.
	RequireIdentity bool `mapstructure:"require_identity"`

	// Connections that show no sign of life for this long are force
	// disconnected. This is what bounds presence staleness when a tab
	// dies without a close frame.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`

	// How often the hub scans for connections past HeartbeatTimeout.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// Send websocket pings to peer with this interval.
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// Time allowed to write a message to the peer.
	WriteWait time.Duration `mapstructure:"write_wait"`

	// Buffered outbound messages per connection. A connection whose buffer
	// is full is considered dead or stuck.
	SendBuffer int `mapstructure:"send_buffer"`

	// Maximum message size allowed from peer.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
}

type TicketsConfig struct {
	// Where ticket summaries are read from: "http" or "redis".
	Source string `mapstructure:"source"`

	// Ticket list is re-read and re-broadcast with this interval even if
	// nobody reports a change.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	Http TicketsHttpConfig `mapstructure:"http"`
}

type TicketsHttpConfig struct {
	BaseUrl string        `mapstructure:"base_url"`
	ApiKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`

	// Hash holding ticketId -> ticket summary json.
	TicketsKey string `mapstructure:"tickets_key"`

	// Pub/sub channel on which ticket changes are announced. Empty, the
	// default, disables the subscriber.
	ChangesChannel string `mapstructure:"changes_channel"`
}

type AmqpConfig struct {
	// Empty disables the AMQP change subscriber.
	Url         string   `mapstructure:"url"`
	Exchange    string   `mapstructure:"exchange"`
	Queue       string   `mapstructure:"queue"`
	RoutingKeys []string `mapstructure:"routing_keys"`
}

type AuthConfig struct {
	JwtSecret string `mapstructure:"jwt_secret"`
}

var (
	ErrInvalidTicketSource = errors.New("invalid ticket source")
)

// Load builds the config from, in order of precedence, command line
// flags, environment variables (SERVER_PORT, REDIS_HOST, ...), an optional
// config.yaml, and defaults.
func Load(args []string) (*Config, error) {
	v := viper.New()
	fs := pflag.NewFlagSet("ticket-presence-server", pflag.ContinueOnError)

	fs.Int("server.port", 8080, "Port the http and websocket server listens on.")
	fs.StringSlice("server.allowed-origins", []string{"http://tickets.wonder-craft.de", "http://tickets.wonder-craft.de:5173"}, "Origins of the dashboard frontend allowed to connect. Use * to allow any origin.")
	fs.String("log.level", "info", "Initial log level. Can be changed at run time through /debug.")

	fs.Bool("presence.require-identity", false, "Reject ticket views from connections that have not presented a valid token.")
	fs.Duration("presence.heartbeat-timeout", 45*time.Second, "After a connection is silent for this period, it is viewed as dead and force disconnected. Its viewers are removed from every ticket it had open.")
	fs.Duration("presence.sweep-interval", 5*time.Second, "Interval to scan for connections past heartbeat timeout.")
	fs.Duration("presence.ping-interval", 20*time.Second, "Send pings to websocket peer with this interval.")
	fs.Duration("presence.write-wait", 10*time.Second, "Time allowed to write a message to the websocket peer.")
	fs.Int("presence.send-buffer", 64, "Outbound message buffer per connection. A connection that cannot keep up is disconnected.")
	fs.Int64("presence.max-message-size", 8192, "Maximum message size allowed from websocket peer.")

	fs.String("tickets.source", "http", "Ticket store to read summaries from: http or redis.")
	fs.Duration("tickets.refresh-interval", 60*time.Second, "Interval to re-read and re-broadcast the ticket list even if no change was reported.")
	fs.String("tickets.http.base-url", "http://localhost:3000", "Base url of the dashboard backend serving GET /tickets.")
	fs.String("tickets.http.api-key", "", "Api key sent to the dashboard backend.")
	fs.Duration("tickets.http.timeout", 10*time.Second, "Timeout of ticket store requests.")

	fs.String("redis.host", "localhost:6379", "Redis address.")
	fs.Int("redis.db", 0, "Redis db.")
	fs.String("redis.password", "", "Redis password.")
	fs.String("redis.tickets-key", "tickets", "Redis hash holding ticket summaries.")
	fs.String("redis.changes-channel", "", "Redis pub/sub channel announcing ticket changes, e.g. tickets:changed. Empty to disable.")

	fs.String("amqp.url", "", "AMQP url for ticket lifecycle events. Empty to disable.")
	fs.String("amqp.exchange", "tickets", "AMQP topic exchange ticket events are published to.")
	fs.String("amqp.queue", "ticket-presence-server", "AMQP queue bound to the ticket exchange.")
	fs.StringSlice("amqp.routing-keys", []string{"ticket.created", "ticket.claimed", "ticket.closed"}, "AMQP routing keys that trigger a ticket list refresh.")

	fs.String("auth.jwt-secret", "", "HS256 secret the dashboard signs its tokens with.")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("cannot parse flags: %w", err)
	}

	// Flags use dashes, config keys use underscores.
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("cannot bind flags: %w", bindErr)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Tickets.Source {
	case "http", "redis":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTicketSource, c.Tickets.Source)
	}

	if c.Presence.HeartbeatTimeout <= 0 {
		return fmt.Errorf("presence.heartbeat_timeout must be positive, got %v", c.Presence.HeartbeatTimeout)
	}
	if c.Presence.SweepInterval <= 0 || c.Presence.SweepInterval > c.Presence.HeartbeatTimeout {
		return fmt.Errorf("presence.sweep_interval must be in (0, heartbeat_timeout], got %v", c.Presence.SweepInterval)
	}
	if c.Presence.PingInterval <= 0 || c.Presence.PingInterval >= c.Presence.HeartbeatTimeout {
		return fmt.Errorf("presence.ping_interval must be in (0, heartbeat_timeout), got %v", c.Presence.PingInterval)
	}
	if c.Presence.SendBuffer <= 0 {
		return fmt.Errorf("presence.send_buffer must be positive, got %v", c.Presence.SendBuffer)
	}
	if c.Tickets.RefreshInterval <= 0 {
		return fmt.Errorf("tickets.refresh_interval must be positive, got %v", c.Tickets.RefreshInterval)
	}
	return nil
}

// AllowsOrigin reports whether a browser request from origin may be served.
func (c *ServerConfig) AllowsOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// PongWait is how long the websocket read side waits for the next frame
// or pong before giving up on the peer.
func (c *PresenceConfig) PongWait() time.Duration {
	return c.HeartbeatTimeout
}

func ProvideConfig() (*Config, error) {
	return Load(os.Args[1:])
}
