package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Session     SessionConfig    `yaml:"session"`
	Capture     CaptureConfig    `yaml:"capture"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Bundle      BundleConfig     `yaml:"bundle"`
	MQTT        MQTTConfig       `yaml:"mqtt"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path           string `yaml:"path"`
	RetentionMode  string `yaml:"retention_mode"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxSessions    int    `yaml:"max_sessions"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
	RecordPartials bool   `yaml:"record_partials"`
}

type SessionConfig struct {
	SampleRate         int  `yaml:"sample_rate"`
	AutoInitialize     bool `yaml:"auto_initialize"`
	AutoStart          bool `yaml:"auto_start"`
	InitTimeoutMS      int  `yaml:"init_timeout_ms"`
	FinalizeTimeoutMS  int  `yaml:"finalize_timeout_ms"`
	ReportDecodeErrors bool `yaml:"report_decode_errors"`
}

type CaptureConfig struct {
	Mode            string `yaml:"mode"` // exec, wav
	Command         string `yaml:"command"`
	ByteOrder       string `yaml:"byte_order"` // s16le, s16be
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	WAVPath         string `yaml:"wav_path"`
	Realtime        bool   `yaml:"realtime"`
}

type RecognizerConfig struct {
	Mode       string           `yaml:"mode"` // model, continuous
	Model      ModelConfig      `yaml:"model"`
	Continuous ContinuousConfig `yaml:"continuous"`
}

type ModelConfig struct {
	Decoder           string  `yaml:"decoder"` // exec, whisper
	Command           string  `yaml:"command"`
	ModelFile         string  `yaml:"model_file"`
	Threads           int     `yaml:"threads"`
	SilenceThreshold  float64 `yaml:"silence_threshold"`
	EndpointSilenceMS int     `yaml:"endpoint_silence_ms"`
	PartialEveryMS    int     `yaml:"partial_every_ms"`
	MaxUtteranceMS    int     `yaml:"max_utterance_ms"`
}

type ContinuousConfig struct {
	Transport     string `yaml:"transport"` // websocket, bus
	URL           string `yaml:"url"`
	DialAttempts  int    `yaml:"dial_attempts"`
	DialRetryMS   int    `yaml:"dial_retry_ms"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type BundleConfig struct {
	DataDir       string   `yaml:"data_dir"`
	DirName       string   `yaml:"dir_name"`
	SourceDir     string   `yaml:"source_dir"`
	RequiredFiles []string `yaml:"required_files"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	// ConnectTimeout bounds the initial dial only; paho reconnects on its own afterwards.
	ConnectTimeout int `yaml:"connect_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listen",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-listen-1",
			Role:              "listener",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-listen.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Session: SessionConfig{
			SampleRate:        16000,
			InitTimeoutMS:     120000,
			FinalizeTimeoutMS: 3000,
		},
		Capture: CaptureConfig{
			Mode:            "exec",
			Command:         "arecord -q -t raw -f S16_LE -r 16000 -c 1",
			ByteOrder:       "s16le",
			FrameDurationMS: 100,
			Realtime:        true,
		},
		Recognizer: RecognizerConfig{
			Mode: "model",
			Model: ModelConfig{
				Decoder:           "exec",
				Command:           "loqa-vosk-stream",
				ModelFile:         "ggml-model.bin",
				SilenceThreshold:  0.01,
				EndpointSilenceMS: 800,
				PartialEveryMS:    1000,
				MaxUtteranceMS:    30000,
			},
			Continuous: ContinuousConfig{
				Transport:     "websocket",
				URL:           "ws://127.0.0.1:2700/ws",
				DialAttempts:  5,
				DialRetryMS:   1000,
				SubjectPrefix: "stt.text",
			},
		},
		Bundle: BundleConfig{
			DataDir:       "./data",
			DirName:       "vosk_model",
			RequiredFiles: []string{"am/final.mdl", "graph/phones.txt", "graph/words.txt"},
		},
		MQTT: MQTTConfig{
			Enabled:        false,
			BrokerURL:      "tcp://localhost:1883",
			ClientID:       "loqa-listen",
			TopicPrefix:    "loqa",
			QoS:            0,
			ConnectTimeout: 5000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_LISTEN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_LISTEN_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_LISTEN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_LISTEN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_LISTEN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_LISTEN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_LISTEN_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_LISTEN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_LISTEN_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_LISTEN_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_LISTEN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_LISTEN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_LISTEN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_LISTEN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_LISTEN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_LISTEN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_LISTEN_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_LISTEN_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_LISTEN_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_LISTEN_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_LISTEN_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_LISTEN_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_LISTEN_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_LISTEN_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_LISTEN_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.EventStore.RecordPartials, "LOQA_LISTEN_EVENT_STORE_RECORD_PARTIALS")
	overrideBool(&cfg.Session.AutoInitialize, "LOQA_LISTEN_SESSION_AUTO_INITIALIZE")
	overrideBool(&cfg.Session.AutoStart, "LOQA_LISTEN_SESSION_AUTO_START")
	overrideInt(&cfg.Session.InitTimeoutMS, "LOQA_LISTEN_SESSION_INIT_TIMEOUT_MS")
	overrideInt(&cfg.Session.FinalizeTimeoutMS, "LOQA_LISTEN_SESSION_FINALIZE_TIMEOUT_MS")
	overrideBool(&cfg.Session.ReportDecodeErrors, "LOQA_LISTEN_SESSION_REPORT_DECODE_ERRORS")
	overrideString(&cfg.Capture.Mode, "LOQA_LISTEN_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_LISTEN_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.ByteOrder, "LOQA_LISTEN_CAPTURE_BYTE_ORDER")
	overrideInt(&cfg.Capture.FrameDurationMS, "LOQA_LISTEN_CAPTURE_FRAME_DURATION_MS")
	overrideString(&cfg.Capture.WAVPath, "LOQA_LISTEN_CAPTURE_WAV_PATH")
	overrideBool(&cfg.Capture.Realtime, "LOQA_LISTEN_CAPTURE_REALTIME")
	overrideString(&cfg.Recognizer.Mode, "LOQA_LISTEN_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Model.Decoder, "LOQA_LISTEN_RECOGNIZER_MODEL_DECODER")
	overrideString(&cfg.Recognizer.Model.Command, "LOQA_LISTEN_RECOGNIZER_MODEL_COMMAND")
	overrideString(&cfg.Recognizer.Model.ModelFile, "LOQA_LISTEN_RECOGNIZER_MODEL_FILE")
	overrideInt(&cfg.Recognizer.Model.Threads, "LOQA_LISTEN_RECOGNIZER_MODEL_THREADS")
	overrideFloat(&cfg.Recognizer.Model.SilenceThreshold, "LOQA_LISTEN_RECOGNIZER_MODEL_SILENCE_THRESHOLD")
	overrideInt(&cfg.Recognizer.Model.EndpointSilenceMS, "LOQA_LISTEN_RECOGNIZER_MODEL_ENDPOINT_SILENCE_MS")
	overrideInt(&cfg.Recognizer.Model.PartialEveryMS, "LOQA_LISTEN_RECOGNIZER_MODEL_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Recognizer.Model.MaxUtteranceMS, "LOQA_LISTEN_RECOGNIZER_MODEL_MAX_UTTERANCE_MS")
	overrideString(&cfg.Recognizer.Continuous.Transport, "LOQA_LISTEN_RECOGNIZER_CONTINUOUS_TRANSPORT")
	overrideString(&cfg.Recognizer.Continuous.URL, "LOQA_LISTEN_RECOGNIZER_CONTINUOUS_URL")
	overrideInt(&cfg.Recognizer.Continuous.DialAttempts, "LOQA_LISTEN_RECOGNIZER_CONTINUOUS_DIAL_ATTEMPTS")
	overrideInt(&cfg.Recognizer.Continuous.DialRetryMS, "LOQA_LISTEN_RECOGNIZER_CONTINUOUS_DIAL_RETRY_MS")
	overrideString(&cfg.Recognizer.Continuous.SubjectPrefix, "LOQA_LISTEN_RECOGNIZER_CONTINUOUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bundle.DataDir, "LOQA_LISTEN_BUNDLE_DATA_DIR")
	overrideString(&cfg.Bundle.DirName, "LOQA_LISTEN_BUNDLE_DIR_NAME")
	overrideString(&cfg.Bundle.SourceDir, "LOQA_LISTEN_BUNDLE_SOURCE_DIR")
	overrideStringSlice(&cfg.Bundle.RequiredFiles, "LOQA_LISTEN_BUNDLE_REQUIRED_FILES")
	overrideBool(&cfg.MQTT.Enabled, "LOQA_LISTEN_MQTT_ENABLED")
	overrideString(&cfg.MQTT.BrokerURL, "LOQA_LISTEN_MQTT_BROKER_URL")
	overrideString(&cfg.MQTT.ClientID, "LOQA_LISTEN_MQTT_CLIENT_ID")
	overrideString(&cfg.MQTT.Username, "LOQA_LISTEN_MQTT_USERNAME")
	overrideString(&cfg.MQTT.Password, "LOQA_LISTEN_MQTT_PASSWORD")
	overrideString(&cfg.MQTT.TopicPrefix, "LOQA_LISTEN_MQTT_TOPIC_PREFIX")
	overrideInt(&cfg.MQTT.QoS, "LOQA_LISTEN_MQTT_QOS")
	overrideInt(&cfg.MQTT.ConnectTimeout, "LOQA_LISTEN_MQTT_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Session.SampleRate != 16000 {
		return errors.New("session.sample_rate must be 16000")
	}
	if cfg.Session.FinalizeTimeoutMS <= 0 {
		return errors.New("session.finalize_timeout_ms must be positive")
	}
	if cfg.Session.AutoStart && !cfg.Session.AutoInitialize {
		return errors.New("session.auto_start requires session.auto_initialize")
	}
	switch cfg.Capture.Mode {
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	case "wav":
		if cfg.Capture.WAVPath == "" {
			return errors.New("capture.wav_path must be set when mode=wav")
		}
	default:
		return errors.New("capture.mode must be one of exec|wav")
	}
	switch cfg.Capture.ByteOrder {
	case "s16le", "s16be":
	default:
		return errors.New("capture.byte_order must be one of s16le|s16be")
	}
	if cfg.Capture.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	switch cfg.Recognizer.Mode {
	case "model":
		switch cfg.Recognizer.Model.Decoder {
		case "exec":
			if cfg.Recognizer.Model.Command == "" {
				return errors.New("recognizer.model.command must be set when decoder=exec")
			}
		case "whisper":
			if cfg.Recognizer.Model.ModelFile == "" {
				return errors.New("recognizer.model.model_file must be set when decoder=whisper")
			}
		default:
			return errors.New("recognizer.model.decoder must be one of exec|whisper")
		}
		if cfg.Bundle.DataDir == "" || cfg.Bundle.DirName == "" {
			return errors.New("bundle.data_dir and bundle.dir_name must not be empty")
		}
	case "continuous":
		switch cfg.Recognizer.Continuous.Transport {
		case "websocket":
			if cfg.Recognizer.Continuous.URL == "" {
				return errors.New("recognizer.continuous.url must be set when transport=websocket")
			}
		case "bus":
			if cfg.Recognizer.Continuous.SubjectPrefix == "" {
				return errors.New("recognizer.continuous.subject_prefix must be set when transport=bus")
			}
		default:
			return errors.New("recognizer.continuous.transport must be one of websocket|bus")
		}
	default:
		return errors.New("recognizer.mode must be one of model|continuous")
	}
	if cfg.MQTT.Enabled {
		if cfg.MQTT.BrokerURL == "" {
			return errors.New("mqtt.broker_url must be set when mqtt is enabled")
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			return errors.New("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.ConnectTimeout <= 0 {
			return errors.New("mqtt.connect_timeout_ms must be positive")
		}
	}
	return nil
}
