package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/snapserve/snapserve"
	"github.com/snapserve/snapserve/pkg/coding"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var (
	// CLI flags
	portFlag           int
	fileFlag           string
	encodingFlag       string
	configFlag         string
	watchFlag          time.Duration
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&fileFlag, "file", "", "File to serve as the payload")
	flag.StringVar(&encodingFlag, "encoding", "", "Content coding the payload file is stored in (br, gzip, deflate)")
	flag.StringVar(&configFlag, "config", "", "Config file to use")
	flag.DurationVar(&watchFlag, "watch", 0, "Reload the payload file when it changes, polling at this interval")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

type config struct {
	Listen  string `yaml:"listen"`
	Payload struct {
		File     string `yaml:"file"`
		Encoding string `yaml:"encoding"`
	} `yaml:"payload"`
	Headers map[string][]string `yaml:"headers"`
}

func getConfig(filename string) (config, error) {
	var cfg config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(configBytes, &cfg)
	return cfg, err
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var cfg config
	if configFlag != "" {
		var err error
		if cfg, err = getConfig(configFlag); err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
	}

	// flags override the config file
	if fileFlag != "" {
		cfg.Payload.File = fileFlag
	}
	if encodingFlag != "" {
		cfg.Payload.Encoding = encodingFlag
	}
	if cfg.Listen == "" {
		cfg.Listen = fmt.Sprintf(":%d", portFlag)
	}
	if cfg.Payload.File == "" {
		log.Fatal().Msg("No payload file given (use -file or the config file)")
	}

	enc, err := coding.Parse(cfg.Payload.Encoding)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot parse payload encoding")
	}

	svc := snapserve.New(snapserve.Config{
		Headers:  http.Header(cfg.Headers),
		Encoding: enc,
		Logger:   &log.Logger,
	})

	if err := fillFromFile(svc, cfg.Payload.File); err != nil {
		log.Fatal().Err(err).Str("file", cfg.Payload.File).Msg("Cannot read payload file")
	}

	if watchFlag > 0 {
		go watchPayload(svc, cfg.Payload.File, watchFlag)
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.URLHandler("url"))
	r.Use(hlog.MethodHandler("method"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/*", svc)

	log.Info().Msgf("Serving %s on %s", cfg.Payload.File, cfg.Listen)
	if err := http.ListenAndServe(cfg.Listen, r); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

func fillFromFile(svc *snapserve.Service, filename string) error {
	payload, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	svc.FillBytes(payload)
	return nil
}

// watchPayload runs an infinite loop re-reading the payload file
// whenever its modification time changes. Stat or read errors are
// logged and retried on the next tick; the previous payload stays
// served in the meantime.
func watchPayload(svc *snapserve.Service, filename string, interval time.Duration) {
	log.Info().Msgf("Starting payload watch loop with interval %s", interval)
	var lastMod time.Time
	if info, err := os.Stat(filename); err == nil {
		lastMod = info.ModTime()
	}
	for {
		time.Sleep(interval)
		info, err := os.Stat(filename)
		if err != nil {
			log.Error().Err(err).Str("file", filename).Msg("Could not stat payload file")
			continue
		}
		if info.ModTime().Equal(lastMod) {
			continue
		}
		if err := fillFromFile(svc, filename); err != nil {
			log.Error().Err(err).Str("file", filename).Msg("Could not reload payload file")
			continue
		}
		lastMod = info.ModTime()
		log.Info().Str("file", filename).Msg("Payload reloaded")
	}
}
