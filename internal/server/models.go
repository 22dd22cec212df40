package server

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ListModels handles GET /v1/models: the aggregated catalog across enabled
// channels, with search/filter/sort/pagination query parameters.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		httpError(w, "invalid or missing API token", "authentication_error", "invalid_api_key", http.StatusUnauthorized)

		return
	}

	q := r.URL.Query()
	search := strings.ToLower(q.Get("search"))
	providerFilter := q.Get("provider")
	tagFilter := splitCSV(q.Get("tags"))
	capFilter := splitCSV(q.Get("capabilities"))
	sortBy := q.Get("sort_by")

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	enabled := map[string]string{} // channel id -> provider
	for _, ch := range s.rt.Table().All() {
		if ch.Enabled {
			enabled[ch.ID] = ch.Provider
		}
	}

	// Aggregate channel-scoped records by model id.
	byID := map[string]*ModelData{}
	for _, rec := range s.rt.Catalog().All() {
		provider, ok := enabled[rec.ChannelID]
		if !ok {
			continue
		}

		if providerFilter != "" && provider != providerFilter {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(rec.ModelID), search) {
			continue
		}
		if !containsAll(rec.Tags, tagFilter) {
			continue
		}
		if !containsAll(rec.Capabilities, capFilter) {
			continue
		}

		m, ok := byID[rec.ModelID]
		if !ok {
			m = &ModelData{
				ID:            rec.ModelID,
				Object:        "model",
				OwnedBy:       provider,
				ContextLength: rec.ContextLength,
				Tags:          rec.Tags,
				Capabilities:  rec.Capabilities,
			}
			byID[rec.ModelID] = m
		}
		m.Channels = append(m.Channels, rec.ChannelID)
	}

	models := make([]ModelData, 0, len(byID))
	for _, m := range byID {
		sort.Strings(m.Channels)
		models = append(models, *m)
	}

	switch sortBy {
	case "context_length":
		sort.Slice(models, func(i, j int) bool { return models[i].ContextLength > models[j].ContextLength })
	case "channels":
		sort.Slice(models, func(i, j int) bool { return len(models[i].Channels) > len(models[j].Channels) })
	default:
		sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	}

	total := len(models)
	if offset > 0 {
		if offset >= len(models) {
			models = nil
		} else {
			models = models[offset:]
		}
	}
	if limit > 0 && limit < len(models) {
		models = models[:limit]
	}

	httpResponseJSON(w, ModelsResponse{
		Object: "list",
		Data:   models,
		Total:  total,
	}, http.StatusOK)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}

	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(strings.ToLower(v)); v != "" {
			out = append(out, v)
		}
	}

	return out
}

func containsAll(haystack, needles []string) bool {
	for _, n := range needles {
		found := false
		for _, h := range haystack {
			if strings.EqualFold(h, n) {
				found = true

				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
