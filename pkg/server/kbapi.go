package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/database"
	"github.com/lamb-project/lamb/pkg/kb"
)

func collectionIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "collectionID"), 10, 64)
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var in kb.CreateCollectionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}

	col, err := s.kb.CreateCollection(r.Context(), in)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, err)
			return
		}
		writeBadRequest(w, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, col)
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.kb.ListCollections(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	id, err := collectionIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid collection id")
		return
	}
	col, err := s.kb.GetCollection(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

func (s *Server) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	id, err := collectionIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid collection id")
		return
	}
	var req struct {
		Visibility string `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}

	if err := s.kb.UpdateCollectionVisibility(r.Context(), id, req.Visibility); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, err)
			return
		}
		writeBadRequest(w, "%v", err)
		return
	}

	col, err := s.kb.GetCollection(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	id, err := collectionIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid collection id")
		return
	}
	if err := s.kb.DeleteCollection(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	id, err := collectionIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid collection id")
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeBadRequest(w, "invalid multipart request: %v", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "file part is required")
		return
	}
	defer file.Close()

	params, err := decodePluginParams(r.FormValue("plugin_params"))
	if err != nil {
		writeBadRequest(w, "%v", err)
		return
	}

	resp, err := s.kb.IngestFile(r.Context(), id, header.Filename, file, r.FormValue("plugin_name"), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ingestRequest is the shared body of the no-upload ingestion endpoints.
type ingestRequest struct {
	PluginName   string         `json:"plugin_name"`
	PluginParams map[string]any `json:"plugin_params"`
}

func (s *Server) handleIngestURL(w http.ResponseWriter, r *http.Request) {
	s.handleIngestWithoutFile(w, r, "url_ingest")
}

func (s *Server) handleIngestBase(w http.ResponseWriter, r *http.Request) {
	s.handleIngestWithoutFile(w, r, "")
}

func (s *Server) handleIngestWithoutFile(w http.ResponseWriter, r *http.Request, defaultPlugin string) {
	id, err := collectionIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid collection id")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if req.PluginName == "" {
		req.PluginName = defaultPlugin
	}
	if req.PluginName == "" {
		writeBadRequest(w, "plugin_name is required")
		return
	}

	resp, err := s.kb.IngestBase(r.Context(), id, req.PluginName, req.PluginParams)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, err)
			return
		}
		writeBadRequest(w, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// queryRequest is the collection query body.
type queryRequest struct {
	QueryText    string         `json:"query_text"`
	PluginName   string         `json:"plugin_name,omitempty"`
	TopK         int            `json:"top_k,omitempty"`
	Threshold    float64        `json:"threshold,omitempty"`
	PluginParams map[string]any `json:"plugin_params,omitempty"`
}

func (s *Server) handleQueryCollection(w http.ResponseWriter, r *http.Request) {
	id, err := collectionIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid collection id")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if req.QueryText == "" {
		writeBadRequest(w, "query_text is required")
		return
	}

	results, err := s.kb.QueryCollection(r.Context(), id, req.PluginName, req.QueryText, req.TopK, req.Threshold, req.PluginParams)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id, err := collectionIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid collection id")
		return
	}
	files, err := s.kb.ListFiles(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := collectionIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid collection id")
		return
	}
	hard, _ := strconv.ParseBool(r.URL.Query().Get("hard"))

	if err := s.kb.DeleteFile(r.Context(), id, chi.URLParam(r, "fileID"), hard); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleUpdateFileStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}

	if err := s.kb.UpdateFileStatus(r.Context(), chi.URLParam(r, "fileID"), req.Status); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, err)
			return
		}
		writeBadRequest(w, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *Server) handleIngestionPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kb.Plugins().IngestCatalog())
}

func (s *Server) handleQueryPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kb.Plugins().QueryCatalog())
}

// handleUpdateShares rewrites an assistant's share list. The caller email
// comes from the identity header; the policy check happens in the sharing
// service.
func (s *Server) handleUpdateShares(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "assistantID"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid assistant id")
		return
	}

	var req struct {
		UserIDs []int64 `json:"user_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}

	byEmail := r.Header.Get("X-User-Email")
	if byEmail == "" {
		writeBadRequest(w, "X-User-Email header is required for share updates")
		return
	}

	if err := s.sharing.UpdateShares(r.Context(), id, byEmail, req.UserIDs); err != nil {
		if errors.Is(err, assistant.ErrSharingDisabled) {
			writeJSON(w, http.StatusForbidden, apiError{Error: err.Error()})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assistant_id": id, "shared_with": req.UserIDs})
}

// handleProviderStatus runs the admin probe for one provider: reachability,
// key validity and a one-token chat check where the connector supports it.
func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.executor.ProviderStatus(r.Context(), chi.URLParam(r, "provider"), r.Header.Get("X-User-Email"))
	if err != nil {
		writeBadRequest(w, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAnalyticsChats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "assistantID"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid assistant id")
		return
	}
	usage, err := s.analytics.Chats(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleAnalyticsTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "assistantID"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid assistant id")
		return
	}
	buckets, err := s.analytics.Timeline(r.Context(), id, r.URL.Query().Get("period"))
	if err != nil {
		writeBadRequest(w, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": buckets})
}

// decodePluginParams parses the plugin_params form field, a JSON object
// sent as a string. Empty means no parameters.
func decodePluginParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, errors.New("plugin_params must be a JSON object")
	}
	return params, nil
}
