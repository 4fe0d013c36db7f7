package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/services/taxonomy"
)

// TaxonomyHandler serves the category tree.
type TaxonomyHandler struct {
	taxonomy *taxonomy.Service
	logger   arbor.ILogger
}

func NewTaxonomyHandler(taxonomyService *taxonomy.Service, logger arbor.ILogger) *TaxonomyHandler {
	return &TaxonomyHandler{
		taxonomy: taxonomyService,
		logger:   logger,
	}
}

// TreeHandler returns the taxonomy tree with per-category skill counts.
// GET /api/v1/taxonomy
func (h *TaxonomyHandler) TreeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	tree, err := h.taxonomy.Tree(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tree": tree,
	})
}
