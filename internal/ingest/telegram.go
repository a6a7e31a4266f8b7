package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/errs"
	"github.com/hazyhaar/ucti/internal/htmltext"
	"github.com/hazyhaar/ucti/internal/store"
)

const telegramPageLimit = 100

// TelegramAdapter reads the configured channels over MTProto using a
// Telethon string session, paging message history down to the
// watermark. Message text is markdown-authoritative: the raw text is
// kept and the plain text derived from it.
type TelegramAdapter struct {
	cfg   *config.Telegram
	store *store.Store
	now   func() time.Time
}

// NewTelegram creates the adapter.
func NewTelegram(cfg *config.Telegram, st *store.Store) *TelegramAdapter {
	return &TelegramAdapter{cfg: cfg, store: st, now: time.Now}
}

func (t *TelegramAdapter) Name() string { return "telegram" }

// Fetch connects, resolves each configured chat and drains its history
// newest-first until the watermark. Per-chat failures accumulate.
func (t *TelegramAdapter) Fetch(ctx context.Context, sink Sink) error {
	watermark, err := watermarkTime(ctx, t.store, t.Name(), t.now())
	if err != nil {
		return err
	}

	return t.run(ctx, func(ctx context.Context, api *tg.Client) error {
		collector := errs.NewCollector("telegram chats failed")
		for _, chat := range t.cfg.Chats {
			if err := t.fetchChat(ctx, api, sink, chat, watermark); err != nil {
				if ctx.Err() != nil {
					return err
				}
				collector.Add(fmt.Errorf("chat %s: %w", chat, err))
			}
		}
		return collector.Err()
	})
}

// run opens the MTProto client around fn.
func (t *TelegramAdapter) run(ctx context.Context, fn func(context.Context, *tg.Client) error) error {
	data, err := session.TelethonSession(t.cfg.Session)
	if err != nil {
		return fmt.Errorf("decode telethon session: %w", err)
	}
	storage := new(session.StorageMemory)
	loader := session.Loader{Storage: storage}
	if err := loader.Save(ctx, data); err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	client := telegram.NewClient(t.cfg.APIID, t.cfg.APIHash, telegram.Options{
		SessionStorage: storage,
	})
	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return fmt.Errorf("session not authorized, renew the telethon session")
		}
		return fn(ctx, client.API())
	})
}

func (t *TelegramAdapter) fetchChat(ctx context.Context, api *tg.Client, sink Sink, chat string, watermark time.Time) error {
	channel, err := resolveChannel(ctx, api, chat)
	if err != nil {
		return err
	}
	peer := &tg.InputPeerChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}

	offsetID := 0
	for {
		res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			Limit:    telegramPageLimit,
		})
		if err != nil {
			return fmt.Errorf("get history: %w", err)
		}
		modified, ok := res.AsModified()
		if !ok {
			return nil
		}
		batch := modified.GetMessages()
		if len(batch) == 0 {
			return nil
		}

		for _, mc := range batch {
			msg, ok := mc.(*tg.Message)
			if !ok {
				continue
			}
			offsetID = msg.ID
			if !time.Unix(int64(msg.Date), 0).After(watermark) {
				return nil
			}
			if msg.Message == "" {
				continue
			}
			if err := sink(ctx, t.toPost(channel, msg)); err != nil {
				return err
			}
		}
	}
}

func (t *TelegramAdapter) toPost(channel *tg.Channel, msg *tg.Message) *store.Post {
	link := fmt.Sprintf("https://t.me/c/%d/%d", channel.ID, msg.ID)

	var senderID int64 = channel.ID
	if from, ok := msg.GetFromID(); ok {
		if u, ok := from.(*tg.PeerUser); ok {
			senderID = u.UserID
		}
	}
	raw, err := json.Marshal(map[string]any{
		"url":        link,
		"content":    msg.Message,
		"created_at": time.Unix(int64(msg.Date), 0).UTC().Format(time.RFC3339),
		"source":     "telegram",
		"sender_id":  senderID,
	})
	if err != nil {
		raw = []byte("{}")
	}

	return &store.Post{
		Source:      t.Name(),
		SourceID:    fmt.Sprint(msg.ID),
		User:        channel.Title,
		URL:         link,
		CreatedAt:   int64(msg.Date),
		ContentHTML: msg.Message,
		ContentMD:   msg.Message,
		ContentTxt:  htmltext.MarkdownText(msg.Message),
		Raw:         string(raw),
	}
}

// ChannelInfo describes one joined channel, for `ucti list-channels`.
type ChannelInfo struct {
	ID       int64
	Title    string
	Username string
}

// ListChannels connects and lists the channels of the account's dialog
// list, so operators can fill [telegram] chats.
func (t *TelegramAdapter) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	var out []ChannelInfo
	err := t.run(ctx, func(ctx context.Context, api *tg.Client) error {
		res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetPeer: &tg.InputPeerEmpty{},
			Limit:      500,
		})
		if err != nil {
			return fmt.Errorf("get dialogs: %w", err)
		}

		var chats []tg.ChatClass
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			chats = d.Chats
		case *tg.MessagesDialogsSlice:
			chats = d.Chats
		}
		for _, cc := range chats {
			ch, ok := cc.(*tg.Channel)
			if !ok {
				continue
			}
			out = append(out, ChannelInfo{ID: ch.ID, Title: ch.Title, Username: ch.Username})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolveChannel accepts @username, bare username or a t.me link.
func resolveChannel(ctx context.Context, api *tg.Client, chat string) (*tg.Channel, error) {
	username := strings.TrimPrefix(chat, "https://")
	username = strings.TrimPrefix(username, "t.me/")
	username = strings.TrimPrefix(username, "@")
	username = strings.TrimSuffix(username, "/")

	res, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", username, err)
	}
	for _, cc := range res.Chats {
		if ch, ok := cc.(*tg.Channel); ok {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("resolve %s: no channel in response", username)
}
