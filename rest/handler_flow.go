package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/metadata"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
)

func (s *Server) HandleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var def model.FlowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid flow definition body")
		return
	}
	defer r.Body.Close()
	if err := s.meta.Save(r.Context(), &def); err != nil {
		logger.Error("error saving flow definition", zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondOK(w, "created")
}

func (s *Server) HandleListFlows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.meta.List(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "error listing flows")
		return
	}
	respondWithJSON(w, http.StatusOK, defs)
}

func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	def, err := s.meta.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "flow does not exist")
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}

func (s *Server) HandleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.meta.Delete(r.Context(), id)
	if err != nil {
		var inUse metadata.ErrDefinitionInUse
		if errors.As(err, &inUse) {
			respondWithError(w, http.StatusConflict, inUse.Error())
			return
		}
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "flow does not exist")
			return
		}
		logger.Error("error deleting flow", zap.String("flow", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error deleting flow")
		return
	}
	respondOK(w, "deleted")
}

// HandleStartFlow launches a flow for a contact directly, bypassing keyword
// matching. Schedule-type flows can only start through this endpoint.
func (s *Server) HandleStartFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		ContactId         string `json:"contactId"`
		ChannelInstanceId string `json:"channelInstanceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ContactId == "" {
		respondWithError(w, http.StatusBadRequest, "contactId is required")
		return
	}
	defer r.Body.Close()
	session, err := s.triggers.StartFlow(r.Context(), id, body.ContactId, body.ChannelInstanceId)
	if err != nil {
		logger.Error("error starting flow", zap.String("flow", id), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, session)
}
