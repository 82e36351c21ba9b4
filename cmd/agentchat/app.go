package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/user/agentchat/internal/agent"
	"github.com/user/agentchat/internal/chat"
	"github.com/user/agentchat/internal/config"
	ctxengine "github.com/user/agentchat/internal/context"
	"github.com/user/agentchat/internal/db"
	"github.com/user/agentchat/internal/hooks"
	"github.com/user/agentchat/internal/signal"
	"github.com/user/agentchat/internal/state"
	"github.com/user/agentchat/internal/types"
	"github.com/user/agentchat/pkg/llm"
	"github.com/user/agentchat/pkg/llm/openai"
)

// app is the set of components every command that touches chats needs.
type app struct {
	cfg     *config.Config
	adapter types.PersistenceAdapter
	sqlite  *state.SQLiteAdapter // nil with the file driver
	chats   *chat.Store
	agents  *agent.Registry
	signals *signal.Store
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg}

	// Storage
	switch cfg.Storage.Driver {
	case "file":
		a.adapter = state.NewFileAdapter(cfg.StoragePath())
	case "sqlite", "":
		conn, res, err := db.OpenAndMigrate(ctx, cfg.StoragePath())
		if err != nil {
			return nil, err
		}
		if len(res.Applied) > 0 {
			slog.Info("database migrated", "steps", res.Applied, "skipped", res.Skipped)
		}
		a.sqlite = state.NewSQLiteAdapter(conn)
		a.adapter = a.sqlite
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	durability, err := chat.ParseDurability(cfg.Durability)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.chats = chat.NewStore(a.adapter, chat.Options{
		Durability:    durability,
		PreloadRecent: cfg.PreloadRecent,
	})
	if err := a.chats.LoadChatsFromPersistence(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("load chats: %w", err)
	}

	// Agents
	a.agents = agent.NewRegistry()
	for _, ac := range cfg.Agents {
		a.agents.Register(agent.Agent{
			ID:           ac.ID,
			Name:         ac.Name,
			Model:        ac.Model,
			SystemPrompt: ac.SystemPrompt,
		})
	}

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	// Context engine
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create context engine: %w", err)
	}

	a.signals = signal.NewStore(a.chats, a.agents, provider, signal.Options{
		UserID: cfg.UserID,
		Engine: engine,
	})
	a.signals.RegisterBeforeSendMessageHook(hooks.TrimSpaceKey, hooks.TrimSpace)
	a.signals.RegisterAfterReceiveMessageHook(hooks.HTMLToMarkdownKey, hooks.HTMLToMarkdown)

	return a, nil
}

func (a *app) Close() error {
	if a.sqlite != nil {
		return a.sqlite.Close()
	}
	return nil
}

// defaultAgent returns the first configured agent id.
func (a *app) defaultAgent() string {
	if len(a.cfg.Agents) == 0 {
		return ""
	}
	return a.cfg.Agents[0].ID
}
