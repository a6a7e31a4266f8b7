package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/ucti/internal/ingest"
)

var listChannelsCmd = &cobra.Command{
	Use:   "list-channels",
	Short: "List the Telegram channels of the configured account",
	Long: `list-channels connects with the [telegram] session and prints the
channels of the account's dialog list, split into the ones already in
the chats setting and the ones not ingested yet.`,
	Args: cobra.NoArgs,
	RunE: runListChannels,
}

func init() {
	rootCmd.AddCommand(listChannelsCmd)
}

func runListChannels(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	svc, cfg, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	if cfg.Telegram == nil {
		return errors.New("no [telegram] configuration")
	}

	channels, err := ingest.NewTelegram(cfg.Telegram, svc.Store()).ListChannels(ctx)
	if err != nil {
		return err
	}

	configured := make(map[string]bool, len(cfg.Telegram.Chats))
	for _, chat := range cfg.Telegram.Chats {
		configured[chat] = true
	}

	var current, excluded []string
	for _, ch := range channels {
		label := ch.Title
		if ch.Username != "" {
			label = fmt.Sprintf("%s (@%s)", ch.Title, ch.Username)
		}
		if configured[ch.Username] || configured["@"+ch.Username] || configured[ch.Title] {
			current = append(current, label)
		} else {
			excluded = append(excluded, label)
		}
	}
	sort.Strings(current)
	sort.Strings(excluded)

	fmt.Println("current:")
	for _, label := range current {
		fmt.Println("  " + label)
	}
	fmt.Println("excluded:")
	for _, label := range excluded {
		fmt.Println("  " + label)
	}
	return nil
}
