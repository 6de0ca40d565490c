package main

import (
	"bufio"
	"context"
	"ctchen222/code-battle/internal/autopilot"
	"ctchen222/code-battle/internal/backend"
	"ctchen222/code-battle/internal/config"
	"ctchen222/code-battle/internal/db"
	"ctchen222/code-battle/internal/history"
	"ctchen222/code-battle/internal/logger"
	"ctchen222/code-battle/internal/match"
	"ctchen222/code-battle/internal/media"
	"ctchen222/code-battle/internal/peer"
	"ctchen222/code-battle/internal/screenshare"
	"ctchen222/code-battle/internal/signaling"
	"ctchen222/code-battle/internal/telemetry"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	var (
		pilot   = flag.Bool("autopilot", false, "accept, share and confirm ready without input")
		profile = flag.String("profile", string(autopilot.Medium), "autopilot reaction profile: easy, medium or hard")
		surface = flag.String("surface", string(media.SurfaceMonitor), "display surface reported by the capture source")
		roomID  = flag.String("room", "", "join a custom room instead of the ranked queue")
		resume  = flag.Bool("resume", false, "rejoin the game recorded as active for this user")
	)
	flag.Parse()

	cfg := config.LoadClient()
	// Records go to stderr so they do not interleave with the command prompt.
	logger.Init(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitOtel(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Stdout:         cfg.Telemetry.Stdout,
		ServiceName:    "code-battle-client",
		ServiceVersion: "0.1.0",
	})
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("Error shutting down telemetry", "error", err)
		}
	}()

	httpClient := backend.NewHTTPClient(10 * time.Second)
	auth, err := authenticate(ctx, cfg, httpClient)
	if err != nil {
		slog.Error("failed to authenticate", "error", err)
		os.Exit(1)
	}

	pool, err := db.OpenSQLite(cfg.HistoryDB)
	if err != nil {
		slog.Error("failed to open history database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store, err := history.NewStore(ctx, pool)
	if err != nil {
		slog.Error("failed to prepare history store", "error", err)
		os.Exit(1)
	}

	ctrl := match.NewController(match.Deps{
		Signaler:  signaling.NewTransport(signaling.WebsocketDialer{}),
		Endpoints: signaling.Endpoints{Base: cfg.RelayURL, Token: auth.Token()},
		Auth:      auth,
		Backend:   backend.NewService(cfg.APIURL, auth, httpClient),
		History:   store,
		Capturer: media.SyntheticCapturer{
			Surface:       media.DisplaySurface(*surface),
			FrameInterval: time.Second / 15,
		},
		Peers: peer.NewPionFactory(peer.BuildConfiguration(cfg.ICE)),
	}, match.Options{
		AcceptWindow: cfg.AcceptWindow,
		Screenshare: screenshare.Config{
			Countdown:      cfg.StartCountdown,
			RecoveryWindow: int(cfg.RecoveryWindow / time.Second),
		},
	})

	ctrl.Subscribe(printUpdate(os.Stdout))
	if *pilot {
		p, err := autopilot.ParseProfile(*profile)
		if err != nil {
			slog.Error("invalid autopilot profile", "error", err)
			os.Exit(1)
		}
		ctrl.Subscribe(autopilot.New(ctrl, p).Observe)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()

	slog.Info("battle client started", "user.id", auth.UserID(), "relay.url", cfg.RelayURL)
	switch {
	case *resume:
		ctrl.ResumeGame()
	case *roomID != "":
		ctrl.JoinRoom(*roomID)
	default:
		ctrl.JoinQueue()
	}

	go readCommands(ctx, os.Stdin, ctrl, store, auth.UserID(), stop)

	select {
	case <-ctx.Done():
		ctrl.Close()
		<-done
	case <-done:
	}
	slog.Info("battle client exiting")
}

func authenticate(ctx context.Context, cfg *config.ClientConfig, client *http.Client) (*backend.TokenAuth, error) {
	if cfg.AuthToken != "" {
		return backend.NewTokenAuth(cfg.AuthToken)
	}
	slog.Info("no AUTH_TOKEN set, requesting a guest session", "api.url", cfg.APIURL)
	return backend.GuestLogin(ctx, client, cfg.APIURL)
}

func printUpdate(w io.Writer) func(match.Update) {
	return func(u match.Update) {
		switch u.Kind {
		case match.UpdatePhase:
			fmt.Fprintf(w, "[phase] %s\n", describe(u.State))
		case match.UpdateStatus:
			fmt.Fprintf(w, "[share] %s: %s\n", u.Side, u.Status)
		case match.UpdateCountdown:
			fmt.Fprintf(w, "[countdown] %d\n", u.Remaining)
		case match.UpdateRecovery:
			fmt.Fprintf(w, "[recovery] %ds left to restore sharing\n", u.Remaining)
		case match.UpdateTimer:
			fmt.Fprintf(w, "[timer] %s\n", time.Duration(u.Remaining)*time.Second)
		case match.UpdateChat:
			fmt.Fprintf(w, "[chat] %s: %s\n", u.Entry.Author, u.Entry.Text)
		case match.UpdateVerdict:
			if u.Verdict != nil {
				fmt.Fprintf(w, "[verdict] %s %d/%d %s\n", u.Verdict.Status, u.Verdict.Passed, u.Verdict.Total, u.Verdict.Output)
			}
		case match.UpdateError:
			fmt.Fprintf(w, "[error] %v\n", u.Err)
		default:
			if u.Text != "" {
				fmt.Fprintf(w, "[%s] %s\n", u.Kind, u.Text)
			}
		}
	}
}

func describe(s match.State) string {
	switch s := s.(type) {
	case match.Found:
		return fmt.Sprintf("match %s found, accept before %s", s.MatchID, s.Deadline.Format(time.TimeOnly))
	case match.Setup:
		return "screen share setup for game " + s.GameID
	case match.Battle:
		if s.Paused {
			return "battle " + s.GameID + " (paused)"
		}
		return "battle " + s.GameID
	case match.Finished:
		return fmt.Sprintf("finished: %s (%s)", s.Outcome.Result, s.Outcome.Reason)
	default:
		return string(s.Phase())
	}
}

const help = `commands:
  queue | room <id> | resume | accept | decline
  share | ready | solo | chat <text>
  run <file> [language] | submit <file> [language]
  leave | surrender | lobby | history | quit`

func readCommands(ctx context.Context, r io.Reader, ctrl *match.Controller, store history.Store, userID int64, quit func()) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		cmd, arg, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "":
		case "queue":
			ctrl.JoinQueue()
		case "room":
			ctrl.JoinRoom(arg)
		case "resume":
			ctrl.ResumeGame()
		case "accept":
			ctrl.Accept()
		case "decline":
			ctrl.Decline()
		case "share":
			ctrl.StartShare()
		case "ready":
			ctrl.ConfirmReady()
		case "solo":
			ctrl.ContinueSolo()
		case "chat":
			ctrl.SendChat(arg)
		case "run", "submit":
			req, err := readCode(arg)
			if err != nil {
				fmt.Println("[error]", err)
				continue
			}
			if cmd == "run" {
				ctrl.RunCode(req)
			} else {
				ctrl.SubmitCode(req)
			}
		case "leave":
			ctrl.LeaveMatch()
		case "surrender":
			ctrl.Surrender()
		case "lobby":
			ctrl.ReturnToLobby()
		case "history":
			printHistory(ctx, store, userID)
		case "quit", "exit":
			quit()
			return
		default:
			fmt.Println(help)
		}
	}
}

func readCode(arg string) (backend.CodeRequest, error) {
	path, language, _ := strings.Cut(arg, " ")
	if path == "" {
		return backend.CodeRequest{}, errors.New("usage: run|submit <file> [language]")
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return backend.CodeRequest{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return backend.CodeRequest{Language: strings.TrimSpace(language), Code: string(code)}, nil
}

func printHistory(ctx context.Context, store history.Store, userID int64) {
	results, err := store.Recent(ctx, userID, 10)
	if err != nil {
		fmt.Println("[error]", err)
		return
	}
	if len(results) == 0 {
		fmt.Println("[history] no finished games")
		return
	}
	for _, r := range results {
		fmt.Printf("[history] %s %s %s (%s)\n", r.FinishedAt.Format(time.DateTime), r.GameID, r.Outcome, r.Reason)
	}
}
