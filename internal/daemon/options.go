package daemon

import (
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/sessions"
	"github.com/matheus3301/chatsync/internal/sync"
)

func messageOptions(cfg *config.Profile) messages.Options {
	return messages.Options{
		UserID:       cfg.UserID,
		DisplayName:  cfg.DisplayName,
		AvatarRef:    cfg.AvatarRef,
		Ceiling:      cfg.Messages.Ceiling,
		MaxBodyRunes: cfg.Messages.MaxBodyRunes,
		LiveWindow:   cfg.Messages.LiveWindow,
		Fetch: fetch.Options{
			PageSize: cfg.Messages.PageSize,
			MaxPage:  cfg.Messages.MaxPage,
		},
		Typing: sync.Options{
			Debounce:        cfg.Typing.Debounce.Duration,
			Settle:          cfg.Typing.Settle.Duration,
			PresenceTimeout: cfg.Typing.PresenceTimeout.Duration,
		},
	}
}

func sessionOptions(cfg *config.Profile) sessions.Options {
	return sessions.Options{
		UserID:        cfg.UserID,
		CacheWindow:   cfg.Sessions.CacheWindow.Duration,
		PollInterval:  cfg.Sessions.PollInterval.Duration,
		MaxTitleRunes: cfg.Sessions.MaxTitleRunes,
	}
}

func identityOptions(cfg *config.Profile) identity.Options {
	return identity.Options{
		TTL:         cfg.Identity.TTL.Duration,
		ContactsTTL: cfg.Identity.ContactsTTL.Duration,
		SearchLimit: cfg.Identity.SearchLimit,
	}
}

func pushClientOptions(cfg *config.Profile) push.ClientOptions {
	return push.ClientOptions{
		URL:        cfg.Push.URL,
		Token:      cfg.Push.Token,
		TypingRate: cfg.Push.TypingRate,
	}
}

func pushServerOptions(cfg *config.Profile) push.ServerOptions {
	return push.ServerOptions{
		Token:      cfg.Push.Token,
		TypingRate: cfg.Push.TypingRate,
	}
}
