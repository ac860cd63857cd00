package main

import (
	"context"
	"log/slog"

	"github.com/jakopako/ami/internal/config"
	"github.com/jakopako/ami/internal/server"
	"github.com/jakopako/ami/internal/store"
)

type ServeCmd struct {
	Listen string `short:"l" help:"Address to listen on. Overrides the configuration."`
	DB     string `help:"Database file. Overrides the configuration." type:"path"`
}

func (s *ServeCmd) Run(ctx context.Context, cfg *config.Config) error {
	addr, dbPath := cfg.Server.Listen, cfg.Server.DBPath
	if s.Listen != "" {
		addr = s.Listen
	}
	if s.DB != "" {
		dbPath = s.DB
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.Server.User == "" {
		slog.Warn("serving without authentication")
	}
	h := server.NewHandler(server.Deps{
		Store:    st,
		User:     cfg.Server.User,
		Password: cfg.Server.Password,
		Logger:   slog.Default(),
	})
	return server.ListenAndServe(ctx, addr, h)
}
