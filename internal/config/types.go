package config

// Config is the whole process configuration. All durations are Go duration
// strings ("500ms", "10s", "2m").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Sessions      []SessionConfig     `json:"sessions"`
	Pairs         []PairConfig        `json:"pairs"`
	Blocklist     BlocklistConfig     `json:"blocklist,omitempty"`
	Sanitizer     SanitizerConfig     `json:"sanitizer,omitempty"`
	Detector      DetectorConfig      `json:"detector,omitempty"`
	Forwarding    ForwardingConfig    `json:"forwarding,omitempty"`
	RateLimits    map[string]Window   `json:"rate_limits,omitempty"`
	Retry         map[string]Backoff  `json:"retry,omitempty"`
	Mapping       MappingConfig       `json:"mapping,omitempty"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Notifier      *NotifierConfig     `json:"notifier,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
	Events        EventsConfig        `json:"events,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors log lines to an operator channel through a session.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Session    string `json:"session,omitempty"`
	Channel    string `json:"channel,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SessionConfig describes one upstream account. Either token or token_file
// must be set; token_file is read at startup and on reload.
type SessionConfig struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	Token       string `json:"token,omitempty"`
	TokenFile   string `json:"token_file,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	EventBuffer int    `json:"event_buffer,omitempty"`
	// Channels limits intake to these source channels. Empty accepts every
	// channel; events without a pair are dropped by the router.
	Channels []string `json:"channels,omitempty"`
}

// PairConfig relays source (read through session) to destination. The
// destination is posted through destination_session when set, so a Discord
// channel can feed a Telegram chat.
type PairConfig struct {
	ID                 string          `json:"id"`
	Session            string          `json:"session"`
	Source             string          `json:"source"`
	Destination        string          `json:"destination"`
	DestinationSession string          `json:"destination_session,omitempty"`
	Status             string          `json:"status,omitempty"` // active (default) or paused
	Strip              *StripConfig    `json:"strip,omitempty"`
	Blocklist          BlocklistConfig `json:"blocklist,omitempty"`
}

// StripConfig overrides the default header/footer/mention rules of a pair.
type StripConfig struct {
	RemoveMentions  bool     `json:"remove_mentions"`
	MentionPatterns []string `json:"mention_patterns,omitempty"`
	Headers         []string `json:"headers,omitempty"`
	Footers         []string `json:"footers,omitempty"`
}

type BlocklistConfig struct {
	Text   []string `json:"text,omitempty"`
	Images []string `json:"images,omitempty"`
}

// SanitizerConfig toggles the optional cleanup steps. Omitted toggles are on.
type SanitizerConfig struct {
	MaxLength          int    `json:"max_length,omitempty"`
	Ellipsis           string `json:"ellipsis,omitempty"`
	NormalizeSpam      *bool  `json:"normalize_spam,omitempty"`
	StripDecorations   *bool  `json:"strip_decorations,omitempty"`
	StripAttribution   *bool  `json:"strip_attribution,omitempty"`
	StripImageMetadata bool   `json:"strip_image_metadata,omitempty"`
}

type DetectorConfig struct {
	EditTrapThreshold    int      `json:"edit_trap_threshold,omitempty"`
	MinLength            int      `json:"min_length,omitempty"`
	DegenerateTokens     []string `json:"degenerate_tokens,omitempty"`
	ActionableConfidence float64  `json:"actionable_confidence,omitempty"`
	ComplianceThreshold  int      `json:"compliance_threshold,omitempty"`
}

// ForwardingConfig tunes the engine. auto_resume_after accepts "off".
type ForwardingConfig struct {
	Workers                int    `json:"workers,omitempty"`
	QueueSize              int    `json:"queue_size,omitempty"`
	AutoResumeAfter        string `json:"auto_resume_after,omitempty"`
	ResetEditCountOnResume bool   `json:"reset_edit_count_on_resume,omitempty"`
	CallTimeout            string `json:"call_timeout,omitempty"`
	DrainTimeout           string `json:"drain_timeout,omitempty"`
}

// Window is a sliding-window rate limit: calls per window.
type Window struct {
	Calls  int    `json:"calls"`
	Window string `json:"window"`
}

type Backoff struct {
	MaxAttempts int    `json:"max_attempts"`
	Base        string `json:"base"`
	MaxDelay    string `json:"max_delay"`
}

type MappingConfig struct {
	MaxAge     string `json:"max_age,omitempty"`     // default 168h
	MaxSize    int    `json:"max_size,omitempty"`    // 0 = unbounded
	GCSchedule string `json:"gc_schedule,omitempty"` // cron spec, default "@every 15m"
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	storage: {driver: sqlite, path: ./relay.db}
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// NotifierConfig controls operator alerts. Session names the session whose
// sink posts the alerts; Channel is the destination chat.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Session         string `json:"session"`
	Channel         string `json:"channel"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// ObservabilityConfig controls the debug HTTP server (/metrics, /healthz,
// pprof).
//
// Bind to loopback, or set a token, or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:9090
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type EventsConfig struct {
	NATS NATSConfig `json:"nats,omitempty"`
}

type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url,omitempty"`
	Name          string `json:"name,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}
