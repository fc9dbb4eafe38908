package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
)

// HandleInboundMessage is the webhook endpoint the messaging provider posts
// contact messages to.
func (s *Server) HandleInboundMessage(w http.ResponseWriter, r *http.Request) {
	var event model.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	defer r.Body.Close()
	if event.ContactId == "" || event.ChannelInstanceId == "" {
		respondWithError(w, http.StatusBadRequest, "contactId and channelInstanceId are required")
		return
	}
	if err := s.triggers.HandleInbound(r.Context(), event); err != nil {
		logger.Error("error handling inbound message",
			zap.String("contact", event.ContactId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error handling inbound message")
		return
	}
	respondOK(w, "accepted")
}

func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "session does not exist")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "error loading session")
		return
	}
	respondWithJSON(w, http.StatusOK, session)
}

func (s *Server) HandleStopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.StopSession(r.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "session does not exist")
			return
		}
		logger.Error("error stopping session", zap.String("session", id), zap.Error(err))
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	respondOK(w, "stopped")
}

func (s *Server) HandleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.ResumeSession(r.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "session does not exist")
			return
		}
		logger.Error("error resuming session", zap.String("session", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error resuming session")
		return
	}
	respondOK(w, "resumed")
}
