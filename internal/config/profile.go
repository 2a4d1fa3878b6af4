package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a TOML string such as "30s".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Messages configures the per-conversation message stores.
type Messages struct {
	Ceiling      int `toml:"ceiling"`
	MaxBodyRunes int `toml:"max_body_runes"`
	LiveWindow   int `toml:"live_window"`
	PageSize     int `toml:"page_size"`
	MaxPage      int `toml:"max_page"`
}

// Typing configures the typing debouncer and remote presence expiry.
type Typing struct {
	Debounce        Duration `toml:"debounce"`
	Settle          Duration `toml:"settle"`
	PresenceTimeout Duration `toml:"presence_timeout"`
}

// Sessions configures the session list synchronizer.
type Sessions struct {
	CacheWindow   Duration `toml:"cache_window"`
	PollInterval  Duration `toml:"poll_interval"`
	MaxTitleRunes int      `toml:"max_title_runes"`
}

// Identity configures the identity cache.
type Identity struct {
	TTL         Duration `toml:"ttl"`
	ContactsTTL Duration `toml:"contacts_ttl"`
	SearchLimit int      `toml:"search_limit"`
}

// Push configures the websocket push channel. With URL empty the daemon
// uses its loopback backend; with Listen set it also serves the bridge.
type Push struct {
	Listen     string  `toml:"listen"`
	URL        string  `toml:"url"`
	Token      string  `toml:"token"`
	TypingRate float64 `toml:"typing_rate"`
}

// Profile represents ~/.chatsync/profiles/<name>/config.toml.
type Profile struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	AvatarRef   string `toml:"avatar_ref"`
	MetricsAddr string `toml:"metrics_addr"`

	Messages Messages `toml:"messages"`
	Typing   Typing   `toml:"typing"`
	Sessions Sessions `toml:"sessions"`
	Identity Identity `toml:"identity"`
	Push     Push     `toml:"push"`
}

// Default returns a profile config with every value set.
func Default() *Profile {
	return &Profile{
		Messages: Messages{
			Ceiling:      500,
			MaxBodyRunes: 4000,
			LiveWindow:   50,
			PageSize:     50,
			MaxPage:      100,
		},
		Typing: Typing{
			Debounce:        D(3 * time.Second),
			Settle:          D(time.Second),
			PresenceTimeout: D(10 * time.Second),
		},
		Sessions: Sessions{
			CacheWindow:   D(30 * time.Second),
			PollInterval:  D(time.Minute),
			MaxTitleRunes: 100,
		},
		Identity: Identity{
			TTL:         D(5 * time.Minute),
			ContactsTTL: D(time.Minute),
			SearchLimit: 20,
		},
		Push: Push{
			TypingRate: 2,
		},
	}
}

// LoadProfile decodes path over the defaults. A missing file yields the
// defaults; unknown keys are an error.
func LoadProfile(path string) (*Profile, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (p *Profile) Validate() error {
	var problems []string
	if p.Messages.Ceiling < p.Messages.LiveWindow {
		problems = append(problems, "messages.ceiling must be at least messages.live_window")
	}
	if p.Messages.PageSize > p.Messages.MaxPage {
		problems = append(problems, "messages.page_size must not exceed messages.max_page")
	}
	for name, d := range map[string]Duration{
		"typing.debounce":         p.Typing.Debounce,
		"typing.presence_timeout": p.Typing.PresenceTimeout,
		"sessions.poll_interval":  p.Sessions.PollInterval,
		"identity.ttl":            p.Identity.TTL,
	} {
		if d.Duration <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if p.Push.TypingRate < 0 {
		problems = append(problems, "push.typing_rate must not be negative")
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
