package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"solarfarm/internal/clock"
	"solarfarm/internal/farm"
)

const (
	requestIDHeader = "X-Request-ID"
	shutdownTimeout = 10 * time.Second
)

type farmResponse struct {
	Farm farm.State `json:"farm"`
}

type catalogResponse struct {
	Producers []farm.ProducerType `json:"producers"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// app owns the process-wide collaborators so they can be closed together.
type app struct {
	svc     *farm.Service
	repo    *SQLRepository
	journal *JournalWriter
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Printf("close journal: %v", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			log.Printf("close database: %v", err)
		}
	}
}

func main() {
	configPath := flag.String("config", "", "path to server.yaml (optional)")
	flag.Parse()

	logger := log.New(os.Stdout, "[solarfarm] ", log.LstdFlags|log.Lmicroseconds)
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatalf("load .env: %v", err)
	}

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	a, err := newConfiguredApp(cfg, clock.RealClock{}, logger)
	if err != nil {
		logger.Fatalf("start: %v", err)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(a.svc, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on http://localhost%s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Printf("server stopped: %v", err)
		return
	}
	logger.Printf("server stopped")
}

func newConfiguredApp(cfg ServerConfig, clk clock.Clock, logger *log.Logger) (*app, error) {
	cat, err := cfg.loadCatalog()
	if err != nil {
		return nil, err
	}
	repo, err := openRepositoryFromEnv()
	if err != nil {
		return nil, err
	}

	a := &app{repo: repo}
	deps := farm.Deps{Catalog: cat, Clock: clk, Logger: logger}
	if repo != nil {
		deps.Store = repo
		deps.Activity = repo
	} else {
		mem := farm.NewMemoryStore()
		deps.Store = mem
		deps.Activity = mem
		logger.Printf("database: dialect=memory, farms are lost on restart")
	}
	if cfg.JournalDir != "" {
		a.journal = NewJournalWriter(cfg.JournalDir, "farm")
		deps.Journal = a.journal
	}

	svc, err := farm.NewService(deps, cfg.FarmConfig())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

func newMux(svc *farm.Service, logger *log.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/solar-farm/init", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req userRequest
			if err := decodeBody(w, r, userSchema, &req); err != nil {
				writeError(w, err)
				return
			}
			st, err := svc.Initialize(r.Context(), req.UserID)
			respondFarm(w, st, err)
		case http.MethodGet:
			userID, err := userIDFromQuery(r)
			if err != nil {
				writeError(w, err)
				return
			}
			st, err := svc.Fetch(r.Context(), userID)
			respondFarm(w, st, err)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	})

	mux.HandleFunc("/solar-farm/collect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		var req userRequest
		if err := decodeBody(w, r, userSchema, &req); err != nil {
			writeError(w, err)
			return
		}
		st, err := svc.Collect(r.Context(), req.UserID)
		respondFarm(w, st, err)
	})

	mux.HandleFunc("/solar-farm/purchase", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		var req purchaseRequest
		if err := decodeBody(w, r, purchaseSchema, &req); err != nil {
			writeError(w, err)
			return
		}
		st, err := svc.Purchase(r.Context(), req.UserID, req.TypeID)
		respondFarm(w, st, err)
	})

	mux.HandleFunc("/solar-farm/convert", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		var req convertRequest
		if err := decodeBody(w, r, convertSchema, &req); err != nil {
			writeError(w, err)
			return
		}
		st, err := svc.Convert(r.Context(), req.UserID, req.Energy)
		respondFarm(w, st, err)
	})

	mux.HandleFunc("/solar-farm/catalog", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, catalogResponse{Producers: svc.Catalog().Types()})
	})

	return withRequestLog(mux, logger)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withRequestLog tags each request with an id and logs its outcome.
func withRequestLog(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		logger.Printf("%s %s %s -> %d (%s)", id, r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
	})
}

func respondFarm(w http.ResponseWriter, st farm.State, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, farmResponse{Farm: st})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "persistence_failure"
	switch {
	case errors.Is(err, farm.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, farm.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, farm.ErrInsufficientFunds):
		status, code = http.StatusConflict, "insufficient_funds"
	case errors.Is(err, farm.ErrUnknownProducer):
		status, code = http.StatusUnprocessableEntity, "unknown_producer"
	case errors.Is(err, farm.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// storage detail stays in the server log
		msg = "persistence failure"
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: msg}})
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: errorBody{Code: "method_not_allowed", Message: "method not allowed"}})
}
