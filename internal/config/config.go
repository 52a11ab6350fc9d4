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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Device        DeviceConfig        `yaml:"device"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Segmentation  SegmentationConfig  `yaml:"segmentation"`
	Command       CommandConfig       `yaml:"command"`
	Sync          SyncConfig          `yaml:"sync"`
	Store         StoreConfig         `yaml:"store"`
	LLM           LLMConfig           `yaml:"llm"`
	Extract       ExtractConfig       `yaml:"extract"`
	TTS           TTSConfig           `yaml:"tts"`
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

type DeviceConfig struct {
	// Transport is ble or nats.
	Transport        string `yaml:"transport"`
	ID               string `yaml:"id"`
	AutoConnect      bool   `yaml:"auto_connect"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	BatteryPollMS    int    `yaml:"battery_poll_ms"`
	ScanTimeoutMS    int    `yaml:"scan_timeout_ms"`
	NATSPrefix       string `yaml:"nats_prefix"`
}

type AudioConfig struct {
	// Source is device or microphone.
	Source              string `yaml:"source"`
	MicSampleRate       int    `yaml:"mic_sample_rate"`
	MicFrameMS          int    `yaml:"mic_frame_ms"`
	DiagnosticSeconds   int    `yaml:"diagnostic_seconds"`
	DiagnosticOnStartup bool   `yaml:"diagnostic_on_startup"`
	// AutoListen starts a listening session whenever the device connects.
	AutoListen bool `yaml:"auto_listen"`
}

type TranscriptionConfig struct {
	Mode string `yaml:"mode"` // remote, on-device-streaming, on-device-batch, mock

	RemoteURL     string   `yaml:"remote_url"`
	RemoteAPIKey  string   `yaml:"remote_api_key"`
	RemoteModel   string   `yaml:"remote_model"`
	KeepAliveMS   int      `yaml:"keep_alive_ms"`
	Language      string   `yaml:"language"`
	StreamCommand string   `yaml:"stream_command"`
	BatchCommand  string   `yaml:"batch_command"`
	ModelPath     string   `yaml:"model_path"`
	BatchWindowMS int      `yaml:"batch_window_ms"`
	LoadTimeoutMS int      `yaml:"load_timeout_ms"`
	StopTimeoutMS int      `yaml:"stop_timeout_ms"`
	MockPhrases   []string `yaml:"mock_phrases"`
}

type SegmentationConfig struct {
	SilenceTimeoutMS int `yaml:"silence_timeout_ms"`
}

type CommandConfig struct {
	SettleDelayMS int    `yaml:"settle_delay_ms"`
	AskTimeoutMS  int    `yaml:"ask_timeout_ms"`
	EmptyReply    string `yaml:"empty_reply"`
}

type SyncConfig struct {
	Directory          string `yaml:"directory"`
	MinDurationMS      int    `yaml:"min_duration_ms"`
	FirstByteTimeoutMS int    `yaml:"first_byte_timeout_ms"`
	GraceMS            int    `yaml:"grace_ms"`
	MinThroughputBPS   int    `yaml:"min_throughput_bps"`
	DeleteAfterProcess bool   `yaml:"delete_after_process"`
}

type StoreConfig struct {
	Path             string `yaml:"path"`
	RetentionDays    int    `yaml:"retention_days"`
	MaxConversations int    `yaml:"max_conversations"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type ExtractConfig struct {
	Enabled   bool `yaml:"enabled"`
	TimeoutMS int  `yaml:"timeout_ms"`
	MaxFacts  int  `yaml:"max_facts"`
	MaxTasks  int  `yaml:"max_tasks"`
}

// TTSConfig controls spoken hold-to-ask replies.
type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-pendant",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Device: DeviceConfig{
			Transport:        "ble",
			ConnectTimeoutMS: 15000,
			BatteryPollMS:    60000,
			ScanTimeoutMS:    10000,
			NATSPrefix:       "device",
		},
		Audio: AudioConfig{
			Source:            "device",
			MicSampleRate:     16000,
			MicFrameMS:        20,
			DiagnosticSeconds: 30,
			AutoListen:        true,
		},
		Transcription: TranscriptionConfig{
			Mode:          "mock",
			RemoteURL:     "wss://api.deepgram.com/v1/listen",
			RemoteModel:   "nova-2",
			KeepAliveMS:   8000,
			Language:      "en",
			BatchWindowMS: 10000,
			LoadTimeoutMS: 60000,
			StopTimeoutMS: 5000,
		},
		Segmentation: SegmentationConfig{
			SilenceTimeoutMS: 120000,
		},
		Command: CommandConfig{
			SettleDelayMS: 1500,
			AskTimeoutMS:  30000,
			EmptyReply:    "Sorry, I didn't hear you.",
		},
		Sync: SyncConfig{
			Directory:          "./data/recordings",
			MinDurationMS:      10000,
			FirstByteTimeoutMS: 5000,
			GraceMS:            30000,
			MinThroughputBPS:   1024,
			DeleteAfterProcess: true,
		},
		Store: StoreConfig{
			Path:             "./data/loqa-pendant.db",
			RetentionDays:    90,
			MaxConversations: 10000,
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.3,
		},
		Extract: ExtractConfig{
			Enabled:   true,
			TimeoutMS: 60000,
			MaxFacts:  10,
			MaxTasks:  10,
		},
		TTS: TTSConfig{
			Enabled:    false,
			Mode:       "mock",
			SampleRate: 16000,
			TimeoutMS:  45000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Device.Transport, "LOQA_DEVICE_TRANSPORT")
	overrideString(&cfg.Device.ID, "LOQA_DEVICE_ID")
	overrideBool(&cfg.Device.AutoConnect, "LOQA_DEVICE_AUTO_CONNECT")
	overrideInt(&cfg.Device.ConnectTimeoutMS, "LOQA_DEVICE_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Device.BatteryPollMS, "LOQA_DEVICE_BATTERY_POLL_MS")
	overrideInt(&cfg.Device.ScanTimeoutMS, "LOQA_DEVICE_SCAN_TIMEOUT_MS")
	overrideString(&cfg.Device.NATSPrefix, "LOQA_DEVICE_NATS_PREFIX")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideInt(&cfg.Audio.MicSampleRate, "LOQA_AUDIO_MIC_SAMPLE_RATE")
	overrideInt(&cfg.Audio.MicFrameMS, "LOQA_AUDIO_MIC_FRAME_MS")
	overrideInt(&cfg.Audio.DiagnosticSeconds, "LOQA_AUDIO_DIAGNOSTIC_SECONDS")
	overrideBool(&cfg.Audio.DiagnosticOnStartup, "LOQA_AUDIO_DIAGNOSTIC_ON_STARTUP")
	overrideBool(&cfg.Audio.AutoListen, "LOQA_AUDIO_AUTO_LISTEN")
	overrideString(&cfg.Transcription.Mode, "LOQA_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.RemoteURL, "LOQA_TRANSCRIPTION_REMOTE_URL")
	overrideString(&cfg.Transcription.RemoteAPIKey, "LOQA_TRANSCRIPTION_REMOTE_API_KEY")
	overrideString(&cfg.Transcription.RemoteModel, "LOQA_TRANSCRIPTION_REMOTE_MODEL")
	overrideInt(&cfg.Transcription.KeepAliveMS, "LOQA_TRANSCRIPTION_KEEP_ALIVE_MS")
	overrideString(&cfg.Transcription.Language, "LOQA_TRANSCRIPTION_LANGUAGE")
	overrideString(&cfg.Transcription.StreamCommand, "LOQA_TRANSCRIPTION_STREAM_COMMAND")
	overrideString(&cfg.Transcription.BatchCommand, "LOQA_TRANSCRIPTION_BATCH_COMMAND")
	overrideString(&cfg.Transcription.ModelPath, "LOQA_TRANSCRIPTION_MODEL_PATH")
	overrideInt(&cfg.Transcription.BatchWindowMS, "LOQA_TRANSCRIPTION_BATCH_WINDOW_MS")
	overrideInt(&cfg.Transcription.LoadTimeoutMS, "LOQA_TRANSCRIPTION_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.Transcription.StopTimeoutMS, "LOQA_TRANSCRIPTION_STOP_TIMEOUT_MS")
	overrideInt(&cfg.Segmentation.SilenceTimeoutMS, "LOQA_SEGMENTATION_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Command.SettleDelayMS, "LOQA_COMMAND_SETTLE_DELAY_MS")
	overrideInt(&cfg.Command.AskTimeoutMS, "LOQA_COMMAND_ASK_TIMEOUT_MS")
	overrideString(&cfg.Command.EmptyReply, "LOQA_COMMAND_EMPTY_REPLY")
	overrideString(&cfg.Sync.Directory, "LOQA_SYNC_DIRECTORY")
	overrideInt(&cfg.Sync.MinDurationMS, "LOQA_SYNC_MIN_DURATION_MS")
	overrideInt(&cfg.Sync.FirstByteTimeoutMS, "LOQA_SYNC_FIRST_BYTE_TIMEOUT_MS")
	overrideInt(&cfg.Sync.GraceMS, "LOQA_SYNC_GRACE_MS")
	overrideInt(&cfg.Sync.MinThroughputBPS, "LOQA_SYNC_MIN_THROUGHPUT_BPS")
	overrideBool(&cfg.Sync.DeleteAfterProcess, "LOQA_SYNC_DELETE_AFTER_PROCESS")
	overrideString(&cfg.Store.Path, "LOQA_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "LOQA_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxConversations, "LOQA_STORE_MAX_CONVERSATIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_STORE_VACUUM_ON_START")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideBool(&cfg.Extract.Enabled, "LOQA_EXTRACT_ENABLED")
	overrideInt(&cfg.Extract.TimeoutMS, "LOQA_EXTRACT_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
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

// TranscriptionModes lists the accepted transcription.mode values.
var TranscriptionModes = []string{"remote", "on-device-streaming", "on-device-batch", "mock"}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}

	switch cfg.Device.Transport {
	case "ble", "nats":
	default:
		return errors.New("device.transport must be one of ble|nats")
	}
	if cfg.Device.ConnectTimeoutMS <= 0 {
		return errors.New("device.connect_timeout_ms must be positive")
	}
	if cfg.Device.BatteryPollMS < 0 {
		return errors.New("device.battery_poll_ms must be >= 0")
	}
	if cfg.Device.AutoConnect && cfg.Device.ID == "" {
		return errors.New("device.id must be set when auto_connect is enabled")
	}

	switch cfg.Audio.Source {
	case "device", "microphone":
	default:
		return errors.New("audio.source must be one of device|microphone")
	}
	if cfg.Audio.MicSampleRate <= 0 || cfg.Audio.MicFrameMS <= 0 {
		return errors.New("audio.mic_sample_rate and audio.mic_frame_ms must be positive")
	}
	if cfg.Audio.DiagnosticSeconds < 0 {
		return errors.New("audio.diagnostic_seconds must be >= 0")
	}

	t := cfg.Transcription
	switch t.Mode {
	case "remote":
		if t.RemoteURL == "" {
			return errors.New("transcription.remote_url must be set when mode=remote")
		}
	case "on-device-streaming":
		if t.StreamCommand == "" {
			return errors.New("transcription.stream_command must be set when mode=on-device-streaming")
		}
	case "on-device-batch":
		if t.BatchCommand == "" {
			return errors.New("transcription.batch_command must be set when mode=on-device-batch")
		}
		if t.BatchWindowMS <= 0 {
			return errors.New("transcription.batch_window_ms must be positive")
		}
	case "mock":
	default:
		return fmt.Errorf("transcription.mode must be one of %s", strings.Join(TranscriptionModes, "|"))
	}

	if cfg.Segmentation.SilenceTimeoutMS <= 0 {
		return errors.New("segmentation.silence_timeout_ms must be positive")
	}
	if cfg.Command.SettleDelayMS < 0 {
		return errors.New("command.settle_delay_ms must be >= 0")
	}
	if cfg.Command.AskTimeoutMS <= 0 {
		return errors.New("command.ask_timeout_ms must be positive")
	}
	if cfg.Sync.Directory == "" {
		return errors.New("sync.directory must not be empty")
	}
	if cfg.Sync.MinDurationMS < 0 || cfg.Sync.FirstByteTimeoutMS <= 0 || cfg.Sync.GraceMS < 0 {
		return errors.New("sync timeouts must be non-negative and first_byte_timeout_ms positive")
	}
	if cfg.Sync.MinThroughputBPS <= 0 {
		return errors.New("sync.min_throughput_bps must be positive")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec", "openai":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|openai")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
	}
	return nil
}
