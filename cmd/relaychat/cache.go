package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the durable conversation cache",
	}
	cmd.PersistentFlags().String("identity", "", "user whose cache to operate on (defaults to the configured identity)")
	cmd.PersistentFlags().String("cache-dsn", "", "durable cache DSN")
	cmd.PersistentFlags().String("outbox-dsn", "", "outbox DSN")
	cmd.AddCommand(newCacheShowCmd(), newCacheClearCmd(), newCacheOutboxCmd())
	return cmd
}

func cacheIdentity(cmd *cobra.Command) (relaychat.Identity, relaychat.StateBackend, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", nil, err
	}
	if !cfg.Identity.Valid() {
		return "", nil, fmt.Errorf("%w: --identity is required", relaychat.ErrInvalidInput)
	}
	backend, err := relaychat.BuildStateBackendFromDSN(cfg.CacheDSN)
	if err != nil {
		return "", nil, err
	}
	if backend == nil {
		return "", nil, fmt.Errorf("%w: cache is disabled", relaychat.ErrInvalidState)
	}
	return cfg.Identity, backend, nil
}

type cacheSummary struct {
	Identity      relaychat.Identity  `json:"identity"`
	SavedAt       string              `json:"savedAt,omitempty"`
	Conversations []conversationCount `json:"conversations"`
}

type conversationCount struct {
	Peer     relaychat.Identity `json:"peer"`
	Messages int                `json:"messages"`
}

func summarize(identity relaychat.Identity, snapshot *relaychat.CacheSnapshot) cacheSummary {
	summary := cacheSummary{Identity: identity, Conversations: []conversationCount{}}
	if snapshot == nil {
		return summary
	}
	if !snapshot.SavedAt.IsZero() {
		summary.SavedAt = snapshot.SavedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	for peer, messages := range snapshot.Conversations {
		summary.Conversations = append(summary.Conversations, conversationCount{Peer: peer, Messages: len(messages)})
	}
	sort.Slice(summary.Conversations, func(i, j int) bool {
		return summary.Conversations[i].Peer < summary.Conversations[j].Peer
	})
	return summary
}

func newCacheShowCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the cached conversations for an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, backend, err := cacheIdentity(cmd)
			if err != nil {
				return err
			}
			defer relaychat.CloseStateBackend(backend)
			snapshot, err := backend.Load(cmd.Context(), identity)
			if err != nil {
				return err
			}
			var out any = summarize(identity, snapshot)
			if full && snapshot != nil {
				out = snapshot
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print every cached message instead of a summary")
	return cmd
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the cached conversations for an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, backend, err := cacheIdentity(cmd)
			if err != nil {
				return err
			}
			defer relaychat.CloseStateBackend(backend)
			if err := backend.Delete(cmd.Context(), identity); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared cache for %s\n", identity)
			return nil
		},
	}
}

func newCacheOutboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "List sends still waiting in the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			outbox, err := relaychat.BuildOutboxFromDSN(cfg.OutboxDSN, cfg.OutboxCapacity)
			if err != nil {
				return err
			}
			defer outbox.Close()
			items := outbox.Snapshot()
			if items == nil {
				items = []relaychat.OutboxItem{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		},
	}
}
