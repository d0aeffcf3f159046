package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/nrayfield/dispatchd/internal/adminhttp"
	"github.com/nrayfield/dispatchd/internal/audit"
	"github.com/nrayfield/dispatchd/internal/backend"
	"github.com/nrayfield/dispatchd/internal/config"
	"github.com/nrayfield/dispatchd/internal/dispatch"
	"github.com/nrayfield/dispatchd/internal/metrics"
)

func main() {
	// serverCtx governs only the admin HTTP listener. The dispatcher
	// gets its own background lifetime and is torn down explicitly via
	// ShutdownGracefully below, so a signal drains in-flight work
	// instead of abandoning it the instant the process is asked to stop.
	serverCtx, cancelServer := context.WithCancel(context.Background())
	defer cancelServer()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("[DISPATCHD] received signal %v, shutting down", sig)
		cancelServer()
	}()

	tracer.Start(
		tracer.WithService(envs.DDService),
		tracer.WithEnv(envs.DDEnv),
		tracer.WithServiceVersion(envs.DDVersion),
		tracer.WithAgentAddr(envs.DDAgentHost+":8126"),
	)
	defer tracer.Stop()

	settings := config.FromEnv()
	if err := settings.Validate(); err != nil {
		log.Fatalf("[DISPATCHD] invalid configuration: %v", err)
	}

	sink, closeSink := buildMetricsSink()
	if closeSink != nil {
		defer closeSink()
	}

	var auditSink *audit.Sink
	if envs.AuditEnabled {
		sink, auditSink = wireAuditSink(sink)
	}

	be := backend.NewHTTPBackend(http.DefaultClient)
	checker := backend.NewDefaultChecker()

	d := dispatch.NewDispatcher(be, checker, sink, settings)
	d.Start(context.Background())

	printBanner()

	server := adminhttp.NewServer(envs.ListenAddr, d, auditSink)
	if err := server.Run(serverCtx); err != nil {
		log.Printf("[DISPATCHD] admin server stopped with error: %v", err)
	}

	reportBack := make(chan struct{}, 1)
	d.ShutdownGracefully(reportBack, 30*time.Second)
	<-reportBack
	log.Println("[DISPATCHD] shutdown complete")
}

// buildMetricsSink assembles the log sink plus, if configured, a
// dogstatsd sink so events are always logged and optionally also
// shipped to Datadog.
func buildMetricsSink() (metrics.Sink, func()) {
	logSink := metrics.NewLogSink()
	if !envs.StatsDEnabled {
		return logSink, nil
	}

	statsdSink, err := metrics.NewStatsDSink(envs.StatsDAddr, "dispatchd.")
	if err != nil {
		log.Printf("[DISPATCHD] statsd sink disabled: %v", err)
		return logSink, nil
	}
	return metrics.NewMultiSink(logSink, statsdSink), func() { _ = statsdSink.Close() }
}

// wireAuditSink opens the audit database and adds it to sink. A
// failure here is not fatal to the process: the dispatch engine runs
// fine without its audit trail, it just loses the /audit endpoint and
// the historical record.
func wireAuditSink(sink metrics.Sink) (metrics.Sink, *audit.Sink) {
	db, err := audit.OpenDB(envs.DB)
	if err != nil {
		log.Printf("[DISPATCHD] audit database unavailable, continuing without it: %v", err)
		return sink, nil
	}

	auditSink := audit.NewSink(db)
	if err := auditSink.InitTables(); err != nil {
		log.Printf("[DISPATCHD] audit table init failed, continuing without it: %v", err)
		return sink, nil
	}

	return metrics.NewMultiSink(sink, auditSink), auditSink
}

func printBanner() {
	log.Printf(`
  _____  _____  _____  _____       _______ _____ _    _ _____
 |  __ \|_   _|/ ____||  __ \   /\|__   __/ ____| |  | |  __ \
 | |  | | | | | (___  | |__) | /  \  | | | |    | |__| | |  | |
 | |  | | | |  \___ \ |  ___/ / /\ \ | | | |    |  __  | |  | |
 | |__| |_| |_ ____) || |    / ____ \| | | |____| |  | | |__| |
 |_____/|_____|_____/ |_|   /_/    \_\_|  \_____|_|  |_|_____/

 listening on %s
`, envs.ListenAddr)
}
