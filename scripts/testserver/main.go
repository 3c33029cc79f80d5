// Webhook receiver for local and load testing. It verifies signatures when
// started with -secret and can simulate slow or failing endpoints.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/felipemaragno/eventhooks/internal/delivery"
	"github.com/felipemaragno/eventhooks/internal/observability"
	"github.com/felipemaragno/eventhooks/internal/signature"
)

type receiver struct {
	secret   string
	fail     bool
	failRate float64
	latency  time.Duration
	jitter   time.Duration
	quiet    bool
	logger   *slog.Logger

	requests   atomic.Uint64
	successes  atomic.Uint64
	failures   atomic.Uint64
	badSigning atomic.Uint64
}

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	secret := flag.String("secret", "", "shared secret; when set, unsigned or mis-signed requests get 401")
	fail := flag.Bool("fail", false, "return 500 errors")
	failRate := flag.Float64("fail-rate", 0, "random failure rate (0.0-1.0)")
	latency := flag.Int("latency", 100, "average response latency in ms")
	jitter := flag.Int("jitter", 20, "latency jitter in ms (+/-)")
	quiet := flag.Bool("quiet", false, "suppress per-request logging")
	flag.Parse()

	rcv := &receiver{
		secret:   *secret,
		fail:     *fail,
		failRate: *failRate,
		latency:  time.Duration(*latency) * time.Millisecond,
		jitter:   time.Duration(*jitter) * time.Millisecond,
		quiet:    *quiet,
		logger:   observability.NewLogger(os.Stdout, "info", "text"),
	}
	go rcv.reportStats(5 * time.Second)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhook", rcv.handle)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", *port)
	rcv.logger.Info("webhook receiver listening",
		"addr", addr,
		"latency", rcv.latency,
		"jitter", rcv.jitter,
		"fail", rcv.fail,
		"fail_rate", rcv.failRate,
		"verify_signatures", rcv.secret != "",
	)
	if err := http.ListenAndServe(addr, r); err != nil {
		rcv.logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func (rcv *receiver) handle(w http.ResponseWriter, r *http.Request) {
	rcv.requests.Add(1)

	delay := rcv.latency
	if rcv.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(rcv.jitter)*2)) - rcv.jitter
	}
	time.Sleep(delay)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if rcv.secret != "" && !signature.Verify(body, rcv.secret, r.Header.Get(signature.Header)) {
		rcv.badSigning.Add(1)
		rcv.logger.Warn("signature mismatch", "delivery_id", r.Header.Get(delivery.HeaderDelivery))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	shouldFail := rcv.fail || (rcv.failRate > 0 && rand.Float64() < rcv.failRate)

	if !rcv.quiet {
		rcv.logger.Info("request",
			"delivery_id", r.Header.Get(delivery.HeaderDelivery),
			"event", r.Header.Get(delivery.HeaderEvent),
			"attempt", r.Header.Get(delivery.HeaderAttempt),
			"latency", delay,
			"fail", shouldFail,
		)
	}

	if shouldFail {
		rcv.failures.Add(1)
		http.Error(w, "simulated failure", http.StatusInternalServerError)
		return
	}
	rcv.successes.Add(1)
	_, _ = w.Write([]byte("OK"))
}

func (rcv *receiver) reportStats(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		total := rcv.requests.Swap(0)
		if total == 0 {
			continue
		}
		rcv.logger.Info("stats",
			"total", total,
			"success", rcv.successes.Swap(0),
			"failures", rcv.failures.Swap(0),
			"bad_signatures", rcv.badSigning.Swap(0),
			"rate", float64(total)/every.Seconds(),
		)
	}
}
