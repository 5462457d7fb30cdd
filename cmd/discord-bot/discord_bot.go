// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dreamlab/dreambot"
	"github.com/dreamlab/dreambot/imagegen"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"
)

// progressEditInterval throttles interaction edits; Discord rate limits
// webhook edits well below the event rate of a busy generation.
const progressEditInterval = 2 * time.Second

// discordBot is the live instance of the bot talking to the Discord API.
type discordBot struct {
	ctx      context.Context
	dg       *discordgo.Session
	orch     *dreambot.Orchestrator
	settings dreambot.Settings
	image    chan intReq
	wg       sync.WaitGroup
}

// newDiscordBot opens a websocket connection to Discord and begin listening.
func newDiscordBot(ctx context.Context, bottoken string, verbose bool, orch *dreambot.Orchestrator, settings dreambot.Settings) (*discordBot, error) {
	discordgo.Logger = func(msgL, caller int, format string, a ...interface{}) {
		msg := fmt.Sprintf(format, a...)
		switch msgL {
		case discordgo.LogDebug:
			slog.Debug(msg)
		case discordgo.LogInformational:
			slog.Info(msg)
		case discordgo.LogWarning:
			slog.Warn(msg)
		case discordgo.LogError:
			slog.Error(msg)
		}
	}
	dg, err := discordgo.New("Bot " + bottoken)
	if err != nil {
		return nil, err
	}
	if verbose {
		dg.LogLevel = discordgo.LogInformational
	}
	// Slash commands only; we want to receive as few events as possible.
	dg.Identify.Intents = discordgo.IntentsGuilds
	d := &discordBot{
		ctx:      ctx,
		dg:       dg,
		orch:     orch,
		settings: settings,
		image:    make(chan intReq, 3),
	}
	_ = dg.AddHandler(d.onReady)
	_ = dg.AddHandler(d.onInteractionCreate)
	d.wg.Add(1)
	go d.imageRoutine()
	if err = dg.Open(); err != nil {
		_ = d.dg.Close()
		return nil, err
	}
	slog.Info("discord", "state", "running", "info", "Press CTRL-C to exit.")
	return d, nil
}

func (d *discordBot) Close() error {
	slog.Info("discord", "state", "terminating")
	err := d.dg.Close()
	d.image <- intReq{}
	d.wg.Wait()
	return err
}

// Handlers

// onReady is received right after the initial handshake. Commands are
// (re)registered here.
func (d *discordBot) onReady(dg *discordgo.Session, r *discordgo.Ready) {
	slog.Info("discord", "event", "ready", "user", r.User.String())
	minOne := 1.0
	cmds := []*discordgo.ApplicationCommand{
		{
			Name:        "dream",
			Type:        discordgo.ChatApplicationCommand,
			Description: "Generate an image from a text prompt.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "prompt",
					Description: "What to draw.",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "negative_prompt",
					Description: "What to avoid drawing.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "model",
					Description: "Model to use. See /dream_models for the list.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "width",
					Description: "Image width in pixels. Defaults from the bot config.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "height",
					Description: "Image height in pixels. Defaults from the bot config.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "steps",
					Description: "Inference steps. More is slower and not always better.",
					MinValue:    &minOne,
					MaxValue:    150,
				},
				{
					Type:        discordgo.ApplicationCommandOptionNumber,
					Name:        "cfg_scale",
					Description: "Guidance scale. How hard the model follows the prompt.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "seed",
					Description: "Seed to use to enable (or disable with 0) deterministic image generation.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "sampler",
					Description: "Sampler/scheduler name, passed through to the server.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionNumber,
					Name:        "eta",
					Description: "Sampler eta. Only some samplers use it.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "enhance_sharpness",
					Description: "Sharpen the result.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "enhance_contrast",
					Description: "Boost contrast on the result.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "enhance_color",
					Description: "Boost color saturation on the result.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "enhance_brightness",
					Description: "Brighten the result.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "unsharp_mask",
					Description: "Apply an unsharp mask pass to the result.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "attention_slicing",
					Description: "Trade speed for lower VRAM use.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "vae_slicing",
					Description: "Decode the image in slices to lower VRAM use.",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "cpu_offload",
					Description: "Offload model parts to the CPU to lower VRAM use.",
				},
			},
		},
		{
			Name:        "dream_models",
			Type:        discordgo.ChatApplicationCommand,
			Description: "List the models the image server can load.",
		},
		{
			Name:        "metrics",
			Type:        discordgo.ChatApplicationCommand,
			Description: "Displays the current performance metrics.",
		},
	}
	if strings.Contains(dg.State.User.Username, "(dev)") {
		for _, c := range cmds {
			c.Name += "_dev"
		}
	}
	if _, err := dg.ApplicationCommandBulkOverwrite(r.Application.ID, "", cmds); err != nil {
		slog.Error("discord", "message", "failed to register commands", "error", err)
		return
	}
	slog.Info("discord", "message", "registered commands", "number", len(cmds))
}

func (d *discordBot) onInteractionCreate(dg *discordgo.Session, event *discordgo.InteractionCreate) {
	slog.Info("discord", "event", "interactionCreate", "name", event.Data)
	switch event.Data.Type() {
	case discordgo.InteractionApplicationCommand:
		data, ok := event.Data.(discordgo.ApplicationCommandInteractionData)
		if !ok {
			slog.Warn("discord", "message", "invalid type", "type", event.Data)
			return
		}
		data.Name = strings.TrimSuffix(data.Name, "_dev")
		switch data.Name {
		case "dream":
			d.onDream(event, data)
		case "dream_models":
			d.onModels(event, data)
		case "metrics":
			d.onMetrics(event, data)
		default:
			slog.Warn("discord", "unexpected command", data.Name, "data", event.Interaction)
		}
	case discordgo.InteractionMessageComponent:
		data, ok := event.Data.(discordgo.MessageComponentInteractionData)
		if !ok {
			slog.Warn("discord", "message", "invalid type", "type", event.Data)
			return
		}
		if taskID, ok := strings.CutPrefix(data.CustomID, "dream_cancel:"); ok {
			d.onCancel(event, taskID)
		}
	default:
		slog.Warn("discord", "message", "surprising interaction", "type", event.Data.Type().String())
	}
}

func (d *discordBot) onDream(event *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	opts := struct {
		Prompt            string  `json:"prompt"`
		NegativePrompt    string  `json:"negative_prompt"`
		Model             string  `json:"model"`
		Width             int     `json:"width"`
		Height            int     `json:"height"`
		Steps             int     `json:"steps"`
		CfgScale          float64 `json:"cfg_scale"`
		Seed              int64   `json:"seed"`
		Sampler           string  `json:"sampler"`
		Eta               float64 `json:"eta"`
		EnhanceSharpness  bool    `json:"enhance_sharpness"`
		EnhanceContrast   bool    `json:"enhance_contrast"`
		EnhanceColor      bool    `json:"enhance_color"`
		EnhanceBrightness bool    `json:"enhance_brightness"`
		UnsharpMask       bool    `json:"unsharp_mask"`
		AttentionSlicing  bool    `json:"attention_slicing"`
		VAESlicing        bool    `json:"vae_slicing"`
		CPUOffload        bool    `json:"cpu_offload"`
	}{
		Model:    d.settings.DefaultModel,
		Width:    d.settings.DefaultWidth,
		Height:   d.settings.DefaultHeight,
		Steps:    d.settings.DefaultSteps,
		CfgScale: d.settings.DefaultCfgScale,
		Seed:     1,
	}
	if err := optionsToStruct(data.Options, &opts); err != nil {
		slog.Error("discord", "command", data.Name, "message", "failed decoding command options", "error", err)
		return
	}
	if opts.Prompt = strings.TrimSpace(opts.Prompt); opts.Prompt == "" {
		if err := d.interactionRespond(event.Interaction, "A prompt is required."); err != nil {
			slog.Error("discord", "command", data.Name, "message", "failed reply", "error", err)
		}
		return
	}
	u := event.User
	if event.Member != nil {
		u = event.Member.User
	}
	req := intReq{
		gen: &imagegen.Request{
			Prompt:            opts.Prompt,
			NegativePrompt:    opts.NegativePrompt,
			Model:             opts.Model,
			Width:             opts.Width,
			Height:            opts.Height,
			Steps:             opts.Steps,
			CfgScale:          opts.CfgScale,
			Seed:              opts.Seed,
			Sampler:           opts.Sampler,
			Eta:               opts.Eta,
			EnhanceSharpness:  opts.EnhanceSharpness,
			EnhanceContrast:   opts.EnhanceContrast,
			EnhanceColor:      opts.EnhanceColor,
			EnhanceBrightness: opts.EnhanceBrightness,
			UnsharpMask:       opts.UnsharpMask,
			AttentionSlicing:  opts.AttentionSlicing,
			VAESlicing:        opts.VAESlicing,
			CPUOffload:        opts.CPUOffload,
		},
		meta: dreambot.RequestMeta{
			UserID:    u.ID,
			ChannelID: event.ChannelID,
			SuperUser: d.isSuperUser(u.ID),
		},
		int: event.Interaction,
	}
	select {
	case d.image <- req:
	default:
		if err := d.interactionRespond(event.Interaction, "Sorry! I have too many pending image requests. Please retry in a moment."); err != nil {
			slog.Error("discord", "command", data.Name, "message", "failed reply rate limit", "error", err)
		}
		return
	}
	r := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredChannelMessageWithSource}
	if err := d.dg.InteractionRespond(req.int, r); err != nil {
		slog.Error("discord", "command", data.Name, "message", "failed reply update", "error", err)
	}
}

func (d *discordBot) onModels(event *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if d.orch.IG == nil {
		if err := d.interactionRespond(event.Interaction, "No image server is configured; images come from the hosted fallback."); err != nil {
			slog.Error("discord", "command", data.Name, "message", "failed reply", "error", err)
		}
		return
	}
	models, err := d.orch.IG.Models(d.ctx)
	if err != nil {
		if err = d.interactionRespond(event.Interaction, "The image server did not answer: "+err.Error()); err != nil {
			slog.Error("discord", "command", data.Name, "message", "failed reply", "error", err)
		}
		return
	}
	reply := "Known models:\n"
	for slug, m := range models {
		state := "available"
		if !m.Available() {
			state = "unavailable"
			if m.Error != "" {
				state += " (" + escapeMarkdown(m.Error) + ")"
			}
		}
		reply += fmt.Sprintf("- `%s` %s; %s; %.1fGB; %s\n", slug, escapeMarkdown(m.Name), m.Resolution, m.MemoryGB, state)
		if len(reply) > 1800 {
			// Don't hit the 2000 characters limit.
			reply += "…"
			break
		}
	}
	if err := d.interactionRespond(event.Interaction, reply); err != nil {
		slog.Error("discord", "command", data.Name, "message", "failed reply", "error", err)
	}
}

func (d *discordBot) onMetrics(event *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	var cpuPct []float64
	var vm *mem.VirtualMemoryStat
	online := false
	eg, ctx := errgroup.WithContext(d.ctx)
	eg.Go(func() error {
		var err error
		cpuPct, err = cpu.PercentWithContext(ctx, time.Second, false)
		return err
	})
	eg.Go(func() error {
		var err error
		vm, err = mem.VirtualMemoryWithContext(ctx)
		return err
	})
	eg.Go(func() error {
		if d.orch.IG != nil {
			online = d.orch.IG.IsOnline(ctx)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		if err = d.interactionRespond(event.Interaction, "Internal error: "+err.Error()); err != nil {
			slog.Error("discord", "command", data.Name, "message", "failed reply", "error", err)
		}
		return
	}
	c := 0.
	if len(cpuPct) != 0 {
		c = cpuPct[0]
	}
	s := fmt.Sprintf(
		"Bot host metrics:\n"+
			"- CPU: **%.1f%%**\n"+
			"- Memory: **%.1f%%** of %.1fGB\n"+
			"- Image server online: **%t**",
		c, vm.UsedPercent, float64(vm.Total)/1e9, online)
	if err := d.interactionRespond(event.Interaction, s); err != nil {
		slog.Error("discord", "command", data.Name, "message", "failed reply", "error", err)
	}
}

func (d *discordBot) onCancel(event *discordgo.InteractionCreate, taskID string) {
	r := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
	if err := d.dg.InteractionRespond(event.Interaction, r); err != nil {
		slog.Error("discord", "command", "cancel", "message", "failed ack", "error", err)
	}
	// The in-flight wait is rejected immediately; the server ack is best
	// effort.
	acked := d.orch.Cancel(d.ctx, taskID)
	slog.Info("discord", "command", "cancel", "task", taskID, "acked", acked)
}

func (d *discordBot) interactionRespond(int *discordgo.Interaction, s string) error {
	r := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseChannelMessageWithSource, Data: &discordgo.InteractionResponseData{Content: s}}
	return d.dg.InteractionRespond(int, r)
}

func (d *discordBot) isSuperUser(id string) bool {
	for _, s := range d.settings.SuperUsers {
		if s == id {
			return true
		}
	}
	return false
}

// Internal

// imageRoutine serializes the generation requests.
func (d *discordBot) imageRoutine() {
	for req := range d.image {
		if req.int == nil {
			d.wg.Done()
			return
		}
		d.handleDream(req)
	}
}

// handleDream runs one generation and keeps the deferred reply updated
// while it progresses.
func (d *discordBot) handleDream(req intReq) {
	events := make(chan imagegen.ProgressEvent, 8)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.streamProgress(req.int, events, done)
	}()
	res, err := d.orch.Generate(d.ctx, req.gen, req.meta, events)
	close(done)
	wg.Wait()
	if err != nil {
		d.editFinal(req, nil, err)
		return
	}
	d.editFinal(req, res, nil)
}

// streamProgress edits the deferred reply as events arrive, at most one
// edit per progressEditInterval. The first event carries the task id which
// unlocks the cancel button.
func (d *discordBot) streamProgress(int *discordgo.Interaction, events <-chan imagegen.ProgressEvent, done <-chan struct{}) {
	var last time.Time
	for {
		select {
		case <-done:
			return
		case ev := <-events:
			if ev.Status.Terminal() {
				// The final edit belongs to handleDream.
				return
			}
			if time.Since(last) < progressEditInterval {
				continue
			}
			last = time.Now()
			embed := progressEmbed(&ev)
			comps := []discordgo.MessageComponent{discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{discordgo.Button{
					Label:    "Cancel",
					Style:    discordgo.DangerButton,
					CustomID: "dream_cancel:" + ev.TaskID,
				}},
			}}
			resp := discordgo.WebhookEdit{Embeds: &[]*discordgo.MessageEmbed{embed}, Components: &comps}
			if _, err := d.dg.InteractionResponseEdit(int, &resp); err != nil {
				slog.Error("discord", "message", "failed posting progress", "error", err)
			}
		}
	}
}

func progressEmbed(ev *imagegen.ProgressEvent) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       "Dreaming…",
		Description: ev.Message,
		Color:       0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Progress", Value: fmt.Sprintf("%.0f%%", ev.Progress), Inline: true},
		},
	}
	if ev.TotalSteps > 0 {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name: "Step", Value: fmt.Sprintf("%d/%d", ev.CurrentStep, ev.TotalSteps), Inline: true,
		})
	}
	if ev.StepsPerSec > 0 {
		v := fmt.Sprintf("%.1f steps/s", ev.StepsPerSec)
		if ev.ETA > 0 {
			v += fmt.Sprintf(", ~%s left", ev.ETA.Round(time.Second))
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Speed", Value: v, Inline: true})
	}
	if p := ev.Performance; p != nil {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:   "Server",
			Value:  fmt.Sprintf("%s; CPU %.0f%%; memory %.1f/%.1fGB", p.Device, p.CPUPercent, p.MemoryUsedGB, p.MemoryTotalGB),
			Inline: false,
		})
	}
	return e
}

// editFinal replaces the progress embed with the image or the error.
func (d *discordBot) editFinal(req intReq, res *dreambot.Result, err error) {
	resp := discordgo.WebhookEdit{}
	empty := []discordgo.MessageComponent{}
	resp.Components = &empty
	if err != nil {
		content := renderError(err)
		resp.Content = &content
		if _, err2 := d.dg.InteractionResponseEdit(req.int, &resp); err2 != nil {
			slog.Error("discord", "message", "failed posting error", "error", err2)
		}
		return
	}
	content := "*Prompt*: " + escapeMarkdown(req.gen.Prompt) + "\n"
	if req.gen.Seed != 0 {
		content += "*Seed*: " + strconv.FormatInt(req.gen.Seed, 10) + "\n"
	}
	m := res.Metadata
	content += fmt.Sprintf("*Model*: %s (%s)", escapeMarkdown(m.Model), m.Provider)
	if m.ExecutionSec != nil {
		content += fmt.Sprintf(" in %.1fs", *m.ExecutionSec)
	}
	resp.Content = &content
	if len(res.Image) != 0 {
		img := res.Image
		caption := fmt.Sprintf("seed %d, %s", m.Seed, m.Model)
		if captioned, err2 := imagegen.CaptionPNG(img, caption); err2 == nil {
			img = captioned
		} else {
			slog.Warn("discord", "message", "failed to caption image", "error", err2)
		}
		resp.Files = []*discordgo.File{{Name: "dream.png", ContentType: "image/png", Reader: bytes.NewReader(img)}}
	} else if res.ImageURL != "" {
		resp.Embeds = &[]*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: res.ImageURL}}}
	}
	if _, err2 := d.dg.InteractionResponseEdit(req.int, &resp); err2 != nil {
		slog.Error("discord", "message", "failed posting result", "error", err2)
	}
}

// renderError turns the orchestrator's error taxonomy into user text.
func renderError(err error) string {
	e := dreambot.AsError(err)
	switch e.Kind {
	case dreambot.KindCancelled:
		return "Cancelled. Dream another dream with /dream."
	case dreambot.KindResourceExhausted:
		return "The image server ran out of memory. Try a smaller resolution or fewer steps."
	case dreambot.KindContentPolicy:
		return "The image service refused this prompt: " + escapeMarkdown(e.Reason)
	case dreambot.KindNetwork:
		return "The image took too long or the service is unreachable. Please try again later."
	case dreambot.KindValidation:
		return "Invalid request: " + escapeMarkdown(e.Reason)
	default:
		return "Image generation failed: " + escapeMarkdown(e.Reason)
	}
}

// intReq is an interaction request to generate an image.
type intReq struct {
	gen  *imagegen.Request
	meta dreambot.RequestMeta
	// Only there for ID and Token.
	int *discordgo.Interaction
}

func optionsToStruct(opts []*discordgo.ApplicationCommandInteractionDataOption, out interface{}) error {
	// The world's slowest implementation.
	t := map[string]interface{}{}
	for _, o := range opts {
		t[o.Name] = o.Value
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func escapeMarkdown(s string) string {
	const _MARKDOWN_ESCAPE_COMMON = `^>(?:>>)?\s|\[.+\]\(.+\)|^#{1,3}|^\s*-`
	const _MARKDOWN_STOCK_REGEX = `(?P<markdown>[_\\~|\*` + "`" + `]|` + _MARKDOWN_ESCAPE_COMMON + `)`
	re := regexp.MustCompile(_MARKDOWN_STOCK_REGEX)
	return re.ReplaceAllStringFunc(s, func(m string) string { return "\\" + m })
}
