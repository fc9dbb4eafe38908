package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/inboxflow/inboxflow/engine"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/metadata"
	"github.com/inboxflow/inboxflow/persistence"
	"github.com/inboxflow/inboxflow/trigger"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	Port     int
	meta     *metadata.Service
	sessions persistence.SessionStorage
	engine   *engine.Engine
	triggers *trigger.Service
}

func NewServer(httpPort int, meta *metadata.Service, sessions persistence.SessionStorage,
	eng *engine.Engine, triggers *trigger.Service) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		Port:     httpPort,
		meta:     meta,
		sessions: sessions,
		engine:   eng,
		triggers: triggers,
	}

	router := mux.NewRouter()
	router.HandleFunc("/flow", s.HandleCreateFlow).Methods(http.MethodPost)
	router.HandleFunc("/flow", s.HandleListFlows).Methods(http.MethodGet)
	router.HandleFunc("/flow/{id}", s.HandleGetFlow).Methods(http.MethodGet)
	router.HandleFunc("/flow/{id}", s.HandleDeleteFlow).Methods(http.MethodDelete)
	router.HandleFunc("/flow/{id}/start", s.HandleStartFlow).Methods(http.MethodPost)
	router.HandleFunc("/event/message", s.HandleInboundMessage).Methods(http.MethodPost)
	router.HandleFunc("/session/{id}", s.HandleGetSession).Methods(http.MethodGet)
	router.HandleFunc("/session/{id}/stop", s.HandleStopSession).Methods(http.MethodPost)
	router.HandleFunc("/session/{id}/resume", s.HandleResumeSession).Methods(http.MethodPost)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message string) {
	respondWithJSON(w, http.StatusOK, map[string]string{"message": message})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
