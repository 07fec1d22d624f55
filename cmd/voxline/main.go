// Command voxline is the inbound call handler for the tyre shop: it answers
// PBX audio connections and runs each call through the STT → agent → TTS
// pipeline against the shop backing store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/redis/go-redis/v9"

	"github.com/voxline-ai/voxline/internal/agent"
	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/internal/health"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/pipeline"
	"github.com/voxline-ai/voxline/internal/resilience"
	"github.com/voxline-ai/voxline/internal/server"
	"github.com/voxline-ai/voxline/internal/session"
	"github.com/voxline-ai/voxline/internal/shopapi"
	"github.com/voxline-ai/voxline/internal/tools"
	"github.com/voxline-ai/voxline/internal/transcript"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
	"github.com/voxline-ai/voxline/pkg/provider/llm/anyllm"
	oaillm "github.com/voxline-ai/voxline/pkg/provider/llm/openai"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	"github.com/voxline-ai/voxline/pkg/provider/stt/deepgram"
	"github.com/voxline-ai/voxline/pkg/provider/stt/whisper"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
	ttscache "github.com/voxline-ai/voxline/pkg/provider/tts/cache"
	"github.com/voxline-ai/voxline/pkg/provider/tts/elevenlabs"
	localtts "github.com/voxline-ai/voxline/pkg/provider/tts/local"
	"github.com/voxline-ai/voxline/pkg/types"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

// defaultSystemPrompt is the assistant persona used when llm.system_prompt
// is not set in the config.
const defaultSystemPrompt = `You are the phone assistant of a tyre shop. You help callers find tyres,
check availability and prices, place orders, and book fitting appointments.
Keep answers short and speakable: one or two sentences, no lists, no markdown.
Use the provided tools for every factual claim about stock, prices, or
appointments; never invent product data. When the caller asks for a human,
or you cannot help after using your tools, call transfer_to_operator.`

// brandVocabulary seeds the transcript normaliser with the product terms the
// recogniser most often mangles. Station names are added at startup from the
// backing store.
var brandVocabulary = []string{
	"Michelin", "Continental", "Goodyear", "Hankook", "Pirelli",
	"Bridgestone", "Dunlop", "Vredestein", "Falken", "Nokian",
}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	slog.Info("voxline starting",
		"version", version,
		"config", *configPath,
		"audiosocket_port", cfg.AudioSocket.Port,
		"http_addr", cfg.HTTP.ListenAddr,
		"log_level", cfg.Log.Level,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownObs, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		octx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(octx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.DefaultMetrics()
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	sttProvider, err := buildSTT(reg, cfg)
	if err != nil {
		slog.Error("failed to build stt provider", "err", err)
		return 1
	}
	ttsProvider, err := buildTTS(reg, cfg)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}
	llmProvider, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}

	// ── Session mirror ────────────────────────────────────────────────────────
	var (
		store   session.Store
		kvCheck func(ctx context.Context) error
		rdb     *redis.Client
		ttl     = time.Duration(cfg.Session.TTLS) * time.Second
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		store = session.NewRedisStore(rdb, session.WithTTL(ttl))
		kvCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		slog.Info("session mirror", "backend", "redis", "addr", cfg.Redis.Addr, "ttl", ttl)
	} else {
		store = session.NewMemoryStore()
		slog.Warn("session mirror running in-memory; call state is invisible to other processes")
	}

	// ── Backing store client ──────────────────────────────────────────────────
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "shopapi",
		FailMax:      cfg.Circuit.FailMax,
		OpenDuration: time.Duration(cfg.Circuit.OpenDurationS) * time.Second,
	})
	shopClient, err := shopapi.New(cfg.Store.BaseURL, cfg.Store.APIKey,
		shopapi.WithRequestTimeout(time.Duration(cfg.Store.RequestTimeoutS)*time.Second),
		shopapi.WithMaxRetries(cfg.Store.MaxRetries),
		shopapi.WithBreaker(breaker),
		shopapi.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create backing store client", "err", err)
		return 1
	}

	// ── Tool router ───────────────────────────────────────────────────────────
	router := tools.NewRouter(logger, tools.WithMetrics(metrics))
	if err := router.Register(tools.ShopTools(shopClient)...); err != nil {
		slog.Error("failed to register shop tools", "err", err)
		return 1
	}

	// ── Transcript normaliser ─────────────────────────────────────────────────
	normalizer := transcript.New(buildVocabulary(ctx, shopClient))

	// ── TTS cache + phrase warm-up ────────────────────────────────────────────
	voice := types.VoiceSpec{
		Voice:        cfg.TTS.Voice,
		SpeakingRate: cfg.TTS.SpeakingRate,
		SampleRate:   16_000,
	}
	cachedTTS, err := ttscache.New(ttsProvider)
	if err != nil {
		slog.Error("failed to create tts cache", "err", err)
		return 1
	}
	warmCtx, cancelWarm := context.WithTimeout(ctx, 30*time.Second)
	if err := cachedTTS.Warm(warmCtx, pipeline.CachePhrases(), voice); err != nil {
		slog.Warn("phrase warm-up incomplete; uncached phrases will synthesise on demand", "err", err)
	}
	cancelWarm()

	systemPrompt := cfg.LLM.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	sttStream := stt.StreamConfig{
		SampleRate:         16_000,
		PrimaryLanguage:    cfg.STT.PrimaryLanguage,
		AlternateLanguages: cfg.STT.AlternateLanguages,
	}
	silenceTimeout := time.Duration(cfg.Silence.TimeoutS) * time.Second

	// ── Server ────────────────────────────────────────────────────────────────
	srv, err := server.New(server.Config{
		ListenAddr:   fmt.Sprintf(":%d", cfg.AudioSocket.Port),
		HTTPAddr:     cfg.HTTP.ListenAddr,
		DrainTimeout: time.Duration(cfg.Shutdown.DrainS) * time.Second,
		Metrics:      metrics,
		Logger:       logger,
		KVCheck:      kvCheck,
		ReadyChecks:  readyChecks(rdb, shopClient),
		NewPipeline: func(conn net.Conn, callID string) (server.CallRunner, error) {
			// Each call gets its own agent: the conversation history is
			// call-scoped.
			ag, err := agent.New(agent.Config{
				Provider:     llmProvider,
				Router:       router,
				SystemPrompt: systemPrompt,
				MaxToolCalls: cfg.LLM.MaxToolCallsPerTurn,
				MaxHistory:   cfg.LLM.MaxHistoryMessages,
				Temperature:  cfg.LLM.Temperature,
				Metrics:      metrics,
				Logger:       logger,
			})
			if err != nil {
				return nil, err
			}
			return pipeline.New(pipeline.Config{
				Conn:               conn,
				CallID:             callID,
				STT:                sttProvider,
				STTConfig:          sttStream,
				TTS:                cachedTTS,
				Voice:              voice,
				Agent:              ag,
				Normalizer:         normalizer,
				Store:              store,
				Metrics:            metrics,
				Logger:             logger,
				SilenceTimeout:     silenceTimeout,
				MaxSilenceTimeouts: cfg.Silence.MaxConsecutive,
			})
		},
	})
	if err != nil {
		slog.Error("failed to create server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// voxline into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(cfg config.STTConfig) (stt.Provider, error) {
		var opts []deepgram.Option
		if cfg.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.Model))
		}
		return deepgram.New(cfg.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(cfg config.STTConfig) (stt.Provider, error) {
		var opts []whisper.Option
		if cfg.Model != "" {
			opts = append(opts, whisper.WithModel(cfg.Model))
		}
		if cfg.PrimaryLanguage != "" {
			opts = append(opts, whisper.WithLanguage(cfg.PrimaryLanguage))
		}
		return whisper.New(cfg.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(cfg config.STTConfig) (stt.Provider, error) {
		var opts []whisper.NativeOption
		if cfg.PrimaryLanguage != "" {
			opts = append(opts, whisper.WithNativeLanguage(cfg.PrimaryLanguage))
		}
		return whisper.NewNative(cfg.ModelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(cfg config.TTSConfig) (tts.Provider, error) {
		return elevenlabs.New(cfg.APIKey)
	})

	reg.RegisterTTS("local", func(cfg config.TTSConfig) (tts.Provider, error) {
		return localtts.New(cfg.BaseURL)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(cfg config.LLMConfig) (llm.Provider, error) {
		var opts []oaillm.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(cfg.BaseURL))
		}
		return oaillm.New(cfg.APIKey, cfg.Model, opts...)
	})

	// anyllm fronts any OpenAI-compatible endpoint through mozilla any-llm.
	reg.RegisterLLM("anyllm", func(cfg config.LLMConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if cfg.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.NewOpenAI(cfg.Model, opts...)
	})
}

// buildSTT creates the primary recogniser and, when stt.fallback names a
// second provider, wraps both in a failover group with per-provider breakers.
func buildSTT(reg *config.Registry, cfg *config.Config) (stt.Provider, error) {
	primary, err := reg.CreateSTT(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.STT.Provider, err)
	}
	if cfg.STT.Fallback == "" {
		return primary, nil
	}

	fbCfg := cfg.STT
	fbCfg.Provider = cfg.STT.Fallback
	fallback, err := reg.CreateSTT(fbCfg)
	if err != nil {
		return nil, fmt.Errorf("create stt fallback %q: %w", cfg.STT.Fallback, err)
	}

	fo := resilience.NewSTTFailover(primary, cfg.STT.Provider, resilience.FailoverConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailMax:      cfg.Circuit.FailMax,
			OpenDuration: time.Duration(cfg.Circuit.OpenDurationS) * time.Second,
		},
	})
	fo.AddFallback(cfg.STT.Fallback, fallback)
	slog.Info("stt failover enabled", "primary", cfg.STT.Provider, "fallback", cfg.STT.Fallback)
	return fo, nil
}

func buildTTS(reg *config.Registry, cfg *config.Config) (tts.Provider, error) {
	p, err := reg.CreateTTS(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.TTS.Provider, err)
	}
	return p, nil
}

// buildVocabulary combines the static brand list with station names from the
// backing store. Station lookup is best effort; the normaliser degrades to
// brands only when the store is unreachable at startup.
func buildVocabulary(ctx context.Context, client *shopapi.Client) []string {
	vocab := append([]string(nil), brandVocabulary...)

	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stations, err := client.ListFittingStations(vctx, "")
	if err != nil {
		slog.Warn("could not load fitting stations for the normaliser vocabulary", "err", err)
		return vocab
	}
	for _, s := range stations {
		if s.Name != "" {
			vocab = append(vocab, s.Name)
		}
	}
	slog.Info("normaliser vocabulary loaded", "brands", len(brandVocabulary), "stations", len(stations))
	return vocab
}

// readyChecks assembles the per-dependency probes behind /health/ready.
func readyChecks(rdb *redis.Client, shopClient *shopapi.Client) []health.Checker {
	var checks []health.Checker
	if rdb != nil {
		checks = append(checks, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	checks = append(checks, health.Checker{
		Name: "shopapi",
		Check: func(ctx context.Context) error {
			if _, err := shopClient.ListFittingStations(ctx, ""); err != nil {
				return err
			}
			return nil
		},
	})
	return checks
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
