package config

// Config is the whole bot configuration. Durations are Go duration
// strings ("500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Plan      PlanConfig      `json:"plan"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
}

type TelegramConfig struct {
	// Token may be left empty when BOT_TOKEN is set in the environment.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the subscriber store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/users.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// PlanConfig describes the reading plan. TotalUnits must match the number
// of rows in UnitsFile.
type PlanConfig struct {
	UnitsFile  string `json:"units_file"`
	TotalUnits int    `json:"total_units"`
	Calendar   string `json:"calendar"` // "jalali" (default) or "gregorian"
	Timezone   string `json:"timezone"`
	// AskHour adds the notify-hour question to registration.
	AskHour bool `json:"ask_hour"`
	// TerminalMarker is "Surah:Ayah", shown as the end of the last unit
	// when the table leaves it blank.
	TerminalMarker string `json:"terminal_marker"`
}

type SchedulerConfig struct {
	Enabled bool   `json:"enabled"`
	Spec    string `json:"spec"` // cron, default "0 * * * *"
}

type DispatchConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout"`
}
