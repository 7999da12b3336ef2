package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicq/visit-service/internal/config"
	"clinicq/visit-service/internal/flow"
	"clinicq/visit-service/internal/httpapi"
	"clinicq/visit-service/internal/hub"
	"clinicq/visit-service/internal/models"
	"clinicq/visit-service/internal/notify"
	"clinicq/visit-service/internal/predict"
	"clinicq/visit-service/internal/queue"
	"clinicq/visit-service/internal/store/postgres"
	"clinicq/visit-service/internal/sweep"
	"clinicq/visit-service/internal/telemetry"
	"clinicq/visit-service/internal/ticket"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	sweepCancellations = expvar.NewInt("sweep_cancellations_total")
	sweepInvitations   = expvar.NewInt("sweep_invitations_total")
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("visit-service", telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRate,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool)
	dispatcher := notify.NewDispatcher(cfg.NotifyProvider, cfg.NotifyWebhookURL, cfg.NotifyWebhookToken)

	predictor := predict.NewPredictor(st)
	if err := predictor.LoadFromFile(cfg.ModelPath); err != nil {
		log.Printf("model load error: %v", err)
	}
	trainer := predict.NewTrainer(st, predictor, cfg.ModelPath)
	analyzer := flow.NewAnalyzer(st, predictor)
	statusReader := queue.NewStatusReader(st, analyzer)

	broadcast := hub.New()
	reaper := sweep.NewReaper(st, dispatcher, cfg.GracePeriod).OnEvent(broadcast.BroadcastEvent)
	activator := sweep.NewActivator(st, dispatcher)
	trigger := sweep.NewTrigger(st, trainerAdapter{trainer})
	engine := ticket.NewEngine(st, func(event ticket.Event) {
		broadcast.BroadcastEvent(event)
		if event.To == models.StatusCompleted {
			go trigger.MaybeFire(context.Background())
		}
	}).WithEstimator(analyzer)

	handler := httpapi.NewHandler(httpapi.Options{
		Store:     st,
		Engine:    engine,
		Estimator: analyzer,
		Status:    statusReader,
		Trainer:   trainer,
		Reaper:    reaper,
		Activator: activator,
		Openings:  activator,
	})

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())
	mux.Handle("/realtime/", sockjsHandler(broadcast))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "visit-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("visit-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stopSweeps := make(chan struct{})
	go runSweepLoop(stopSweeps, cfg.ReaperInterval, func(ctx context.Context) {
		count, err := reaper.Run(ctx)
		if err != nil {
			log.Printf("reaper error: %v", err)
			return
		}
		sweepCancellations.Add(int64(count))
	})
	go runSweepLoop(stopSweeps, cfg.ActivatorInterval, func(ctx context.Context) {
		count, err := activator.Run(ctx)
		if err != nil {
			log.Printf("activator error: %v", err)
			return
		}
		sweepInvitations.Add(int64(count))
	})
	go runSweepLoop(stopSweeps, cfg.RetrainInterval, func(ctx context.Context) {
		report, err := trainer.Train(ctx)
		if err != nil {
			log.Printf("retrain error: %v", err)
			return
		}
		if !report.Trained {
			log.Printf("retrain skipped: %s", report.Reason)
		}
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	close(stopSweeps)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func runSweepLoop(stop <-chan struct{}, interval time.Duration, pass func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			pass(ctx)
			cancel()
		}
	}
}

// trainerAdapter lets the debounce trigger drive the trainer without caring
// about the report.
type trainerAdapter struct {
	trainer *predict.Trainer
}

func (a trainerAdapter) Retrain(ctx context.Context) error {
	_, err := a.trainer.Train(ctx)
	return err
}

func sockjsHandler(h *hub.Hub) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{
				FacilityID: parsed.FacilityID,
				ProviderID: parsed.ProviderID,
			})
		}
	})
}
