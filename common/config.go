package common

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Notification Fabric Related Config

// FabricConfig defines parameters for the in-memory notification fabric
type FabricConfig struct {
	// MaxConnections is the max number of concurrently registered connections.
	// Registration past this limit is rejected.
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" validate:"required,gte=1"`
	// SendBufferLen is the per-connection outbound message buffer length. A
	// connection whose buffer is full drops further events until it drains.
	SendBufferLen int `mapstructure:"send_buffer_msgs" json:"send_buffer_msgs" validate:"required,gte=1"`
	// DefaultChannels are the channels every new connection is subscribed to
	// when AutoSubscribe is set
	DefaultChannels []string `mapstructure:"default_channels" json:"default_channels"`
	// AutoSubscribe controls whether new connections start on DefaultChannels,
	// or must send an explicit subscribe control message first
	AutoSubscribe bool `mapstructure:"auto_subscribe_defaults" json:"auto_subscribe_defaults"`
	// IdleTimeout is the max duration in seconds a connection may go without
	// transport activity before it is deregistered
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"required,gte=1"`
	// IdleSweepInterval is the interval in seconds between idle connection sweeps
	IdleSweepInterval int `mapstructure:"idle_sweep_interval_sec" json:"idle_sweep_interval_sec" validate:"required,gte=1"`
	// PingInterval is the interval in seconds between transport liveness pings
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"required,gte=1"`
}

// ===============================================================================
// Stream Server Related Config

// StreamEndpointConfig defines stream server endpoint config
type StreamEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the stream APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// StreamServerConfig defines configuration for the client facing WebSocket server
type StreamServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the stream server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the stream server
	Endpoints StreamEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Ingest Server Related Config

// IngestEndpointConfig defines event ingest API endpoint config
type IngestEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the ingest APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// IngestServerConfig defines configuration for the event ingest API server
type IngestServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the ingest API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the ingest API server
	Endpoints IngestEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the fabric server
type SystemConfig struct {
	// Fabric are the notification fabric config parameters
	Fabric FabricConfig `mapstructure:"fabric" json:"fabric" validate:"required,dive"`
	// Stream are the client facing WebSocket server configs
	Stream StreamServerConfig `mapstructure:"stream" json:"stream" validate:"required,dive"`
	// Ingest are the event ingest API server configs
	Ingest IngestServerConfig `mapstructure:"ingest" json:"ingest" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default fabric settings
	viper.SetDefault("fabric.max_connections", 4096)
	viper.SetDefault("fabric.send_buffer_msgs", 32)
	viper.SetDefault(
		"fabric.default_channels", []string{"scholarships", "jobs", "announcements"},
	)
	viper.SetDefault("fabric.auto_subscribe_defaults", true)
	viper.SetDefault("fabric.idle_timeout_sec", 60)
	viper.SetDefault("fabric.idle_sweep_interval_sec", 30)
	viper.SetDefault("fabric.ping_interval_sec", 20)

	// Default stream server settings
	viper.SetDefault("stream.endpoint_config.path_prefix", "/")
	viper.SetDefault("stream.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("stream.api_server.server_config.listen_port", 3000)
	// The stream server holds long lived connections, so request level
	// timeouts stay disabled. Liveness is enforced by the fabric itself.
	viper.SetDefault("stream.api_server.server_config.read_timeout_sec", 0)
	viper.SetDefault("stream.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("stream.api_server.server_config.idle_timeout_sec", 0)
	viper.SetDefault(
		"stream.api_server.logging_config.request_id_header", "Livewire-Request-ID",
	)
	viper.SetDefault(
		"stream.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default ingest server settings
	viper.SetDefault("ingest.endpoint_config.path_prefix", "/")
	viper.SetDefault("ingest.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("ingest.api_server.server_config.listen_port", 3001)
	viper.SetDefault("ingest.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("ingest.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("ingest.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"ingest.api_server.logging_config.request_id_header", "Livewire-Request-ID",
	)
	viper.SetDefault(
		"ingest.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
