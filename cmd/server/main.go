// Package main provides the jukeboxd server entry point.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/jukeboxd/internal/app/playback"
	"github.com/osa030/jukeboxd/internal/app/player"
	"github.com/osa030/jukeboxd/internal/app/schedule"
	"github.com/osa030/jukeboxd/internal/auth"
	"github.com/osa030/jukeboxd/internal/domain/queue"
	"github.com/osa030/jukeboxd/internal/eventlog"
	"github.com/osa030/jukeboxd/internal/infra/config"
	"github.com/osa030/jukeboxd/internal/infra/logger"
	"github.com/osa030/jukeboxd/internal/protocol"
	"github.com/osa030/jukeboxd/internal/reactor"
	"github.com/osa030/jukeboxd/internal/rtp"
	"github.com/osa030/jukeboxd/internal/trackdb"
)

const softwareVersion = "0.1.0"

var (
	app        = kingpin.New("jukeboxd", "multi-user network jukebox server")
	configPath = app.Flag("config", "Path to config file").Default("/etc/jukeboxd/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	loggerConfig := logger.Config{Output: "stdout", Level: "info"}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

// scheduleActions wires scheduled events to the queue engine and the
// global preference store.
type scheduleActions struct {
	engine *playback.Engine
	db     *trackdb.DB
}

func (a scheduleActions) SchedulePlay(track, who string) {
	resolved, err := a.db.Resolve(track)
	if err != nil {
		zlog.Warn().Str("track", track).Msg("scheduled track no longer in database")
		return
	}
	a.engine.Add(resolved, who, queue.OriginScheduled, playback.BeforeRandom)
}

func (a scheduleActions) ScheduleSetGlobal(key, value, who string) {
	if err := a.db.SetGlobal(key, value); err != nil {
		zlog.Error().Err(err).Str("key", key).Msg("scheduled set-global failed")
	}
}

// run executes the main server logic. Using a separate function ensures
// defer statements run even when returning with an error.
func run(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	db, err := trackdb.Open(filepath.Join(cfg.Home, "trackdb.yaml"), cfg.Collections)
	if err != nil {
		return fmt.Errorf("opening track database: %w", err)
	}

	loop := reactor.New()
	bus := &eventlog.Bus{}

	jar, err := auth.NewCookieJar(cfg.Auth.CookieLoginLifetimeDuration(), cfg.Auth.CookieKeyLifetimeDuration())
	if err != nil {
		return fmt.Errorf("initialising cookie signing: %w", err)
	}

	// Audio backend selection.
	var backend player.Backend
	var tx *rtp.Transmitter
	switch cfg.Player.Backend.Type {
	case "rtp":
		tx, err = rtp.NewTransmitter(cfg.RTP)
		if err != nil {
			return fmt.Errorf("creating rtp transmitter: %w", err)
		}
		tx.OnFatal = func(err error) { loop.Stop(err) }
		backend = tx
	case "command":
		backend, err = player.NewCommandBackend(cfg.Player.Backend.Settings)
		if err != nil {
			return fmt.Errorf("creating command backend: %w", err)
		}
	default:
		return fmt.Errorf("unknown backend type %q", cfg.Player.Backend.Type)
	}

	// The driver and engine reference each other; the driver's completion
	// callback closes over the engine variable.
	var engine *playback.Engine
	driver := player.NewDriver(loop, cfg.Player, backend, bus, db.ResolvePath,
		func(e *queue.Entry, state queue.State, waitStat int) {
			engine.NotifyFinished(e, state, waitStat)
		})
	chooser := playback.NewRandomChooser(db, cfg.Queue)
	engine = playback.NewEngine(cfg.Queue, db, bus, driver, chooser, cfg.Home)

	srv := &protocol.Server{
		Loop:            loop,
		Cfg:             cfg,
		DB:              db,
		Engine:          engine,
		Driver:          driver,
		TX:              tx,
		Bus:             bus,
		Jar:             jar,
		SoftwareVersion: softwareVersion,
	}
	srv.Init()
	srv.Shutdown = func() {
		engine.Shutdown()
		loop.Stop(nil)
	}
	srv.Reconfigure = func() error {
		newCfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		// Queue, auth and playlist knobs take effect in place; listener
		// and backend changes need a restart.
		srv.Cfg.Queue = newCfg.Queue
		srv.Cfg.Auth = newCfg.Auth
		srv.Cfg.Playlists = newCfg.Playlists
		srv.Cfg.Mail = newCfg.Mail
		return nil
	}
	srv.Scheduler = schedule.New(loop, db, scheduleActions{engine: engine, db: db})

	// Bind every listener; failure to bind any of them is fatal.
	var listeners []net.Listener
	defer func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}()
	for _, lcfg := range cfg.Listeners {
		if lcfg.Network == "unix" {
			_ = os.Remove(lcfg.Addr)
		}
		ln, err := net.Listen(lcfg.Network, lcfg.Addr)
		if err != nil {
			return fmt.Errorf("binding %s %s: %w", lcfg.Network, lcfg.Addr, err)
		}
		listeners = append(listeners, ln)
		lc := lcfg
		loop.Listen(ln, func(conn net.Conn) { srv.Attach(conn, lc) })
		zlog.Info().Str("network", lcfg.Network).Str("addr", lcfg.Addr).Msg("listening")
	}

	loop.OnSignal(syscall.SIGINT, func(os.Signal) {
		zlog.Info().Msg("interrupted, shutting down")
		srv.Shutdown()
	})
	loop.OnSignal(syscall.SIGTERM, func(os.Signal) {
		zlog.Info().Msg("terminated, shutting down")
		srv.Shutdown()
	})

	// Pick up collection changes and restart playback state on the loop.
	loop.Post(func() {
		if len(cfg.Collections) > 0 {
			srv.StartRescan(nil)
		}
		engine.EnablePlaying()
	})

	zlog.Info().Msg("jukeboxd running")
	return loop.Run()
}
