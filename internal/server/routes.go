package server

import (
	"net/http"
	"strings"
)

const apiPrefix = "/api/v1"

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Skills
	mux.HandleFunc(apiPrefix+"/skills", s.handleSkillsCollection)
	mux.HandleFunc(apiPrefix+"/skills/", s.handleSkillRoutes)

	// API routes - Jobs
	mux.HandleFunc(apiPrefix+"/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc(apiPrefix+"/jobs/stats", s.app.JobHandler.GetJobStatsHandler)
	mux.HandleFunc(apiPrefix+"/jobs/", s.handleJobRoutes)

	// API routes - HITL
	mux.HandleFunc(apiPrefix+"/hitl/", s.handleHITLRoutes)

	// API routes - Drafts
	mux.HandleFunc(apiPrefix+"/drafts/", s.handleDraftRoutes)

	// API routes - Taxonomy
	mux.HandleFunc(apiPrefix+"/taxonomy", s.app.TaxonomyHandler.TreeHandler)

	// API routes - System
	mux.HandleFunc(apiPrefix+"/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc(apiPrefix+"/version", s.app.APIHandler.VersionHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleSkillsCollection routes GET (list) and POST (submit) on /skills
func (s *Server) handleSkillsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.SkillHandler.ListHandler(w, r)
	case http.MethodPost:
		s.app.SkillHandler.SubmitHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSkillRoutes routes /skills/{id_or_path} and /skills/{id}/refine.
// Identifiers may themselves contain slashes (canonical paths), so the
// refine action is recognized by suffix.
func (s *Server) handleSkillRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, apiPrefix+"/skills/")
	if rest == "" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	if identifier, ok := strings.CutSuffix(rest, "/refine"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.SkillHandler.RefineHandler(w, r, identifier)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.SkillHandler.GetHandler(w, r, rest)
}

// handleJobRoutes routes /jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, apiPrefix+"/jobs/")
	jobID, action, _ := strings.Cut(rest, "/")
	if jobID == "" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.app.JobHandler.GetJobHandler(w, r, jobID)
		case http.MethodDelete:
			s.app.JobHandler.DeleteJobHandler(w, r, jobID)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.JobHandler.CancelJobHandler(w, r, jobID)
	case "events":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.SSEHandler.StreamHandler(w, r, jobID)
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleHITLRoutes routes /hitl/{job_id}/prompt and /hitl/{job_id}/response
func (s *Server) handleHITLRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, apiPrefix+"/hitl/")
	jobID, action, _ := strings.Cut(rest, "/")
	if jobID == "" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	switch action {
	case "prompt":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.HITLHandler.GetPromptHandler(w, r, jobID)
	case "response":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.HITLHandler.PostResponseHandler(w, r, jobID)
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleDraftRoutes routes /drafts/{job_id}/promote
func (s *Server) handleDraftRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, apiPrefix+"/drafts/")
	jobID, action, _ := strings.Cut(rest, "/")
	if jobID == "" || action != "promote" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.DraftHandler.PromoteHandler(w, r, jobID)
}
