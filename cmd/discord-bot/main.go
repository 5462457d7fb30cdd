// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Discord bot that dreams up images.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"runtime/trace"
	"strings"
	"sync"
	"syscall"

	"github.com/dreamlab/dreambot"
	"github.com/dreamlab/dreambot/internal"
	"github.com/joho/godotenv"
)

func mainImpl() error {
	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	programLevel := &slog.LevelVar{}
	internal.InitLog(programLevel)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		slog.Info("main", "message", "quitting")
	}()

	// Secrets can come from a .env next to the binary; flags and real
	// environment variables win over it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("main", "message", "failed to load .env", "error", err)
	}

	bottoken := flag.String("bot-token", "", "Bot Token; get one at https://discord.com/developers/applications")
	config := flag.String("config", "config.yml", "Configuration file. If not present, it is automatically created.")
	version := flag.Bool("version", false, "Print version then exit")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	cpuprofile := flag.String("cpuprofile", "", "file to save trace to. A frequent name is cpu.pprof; you can analyze it with go tool pprof -http=:6060 cpu.pprof")
	tracefile := flag.String("trace", "", "file to save trace to. A frequent name is trace.out; you can analyze it with go tool trace -http=:6060 trace.out")
	flag.Parse()

	if len(flag.Args()) != 0 {
		return errors.New("unexpected argument")
	}
	if *version {
		fmt.Printf("discord-bot %s\n", internal.Commit())
		return nil
	}
	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err = trace.Start(f); err != nil {
			return err
		}
		defer trace.Stop()
	}
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err = pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}
	if *verbose {
		programLevel.Set(slog.LevelDebug)
	}
	cfg := dreambot.Config{}
	if err := cfg.LoadOrDefault(*config); err != nil {
		return err
	}
	if *bottoken == "" {
		*bottoken = os.Getenv("DISCORD_BOT_TOKEN")
	}
	if *bottoken == "" {
		b, err := os.ReadFile("token_discord.txt")
		if err != nil || len(b) < 10 {
			return errors.New("-bot-token, DISCORD_BOT_TOKEN or a 'token_discord.txt' is required")
		}
		*bottoken = strings.TrimSpace(string(b))
	}
	if v := os.Getenv("WEBHOOK_USER"); v != "" {
		cfg.Bot.Webhook.User = v
	}
	if v := os.Getenv("WEBHOOK_PASSWORD"); v != "" {
		cfg.Bot.Webhook.Password = v
	}

	orch, err := dreambot.LoadBackends(ctx, &cfg)
	if err != nil {
		return err
	}
	defer func() {
		if orch.IG != nil {
			_ = orch.IG.Close()
		}
	}()

	d, err := newDiscordBot(ctx, *bottoken, *verbose, orch, cfg.Bot.Settings)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return d.Close()
}

func main() {
	if err := mainImpl(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "\ndiscord-bot: %v\n", err.Error())
		os.Exit(1)
	}
}
