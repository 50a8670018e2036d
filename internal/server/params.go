package server

import (
	"net/http"
	"strconv"
)

// parseIntParam reads an optional integer query parameter. An
// absent value is 0; a malformed one writes a 400 and returns
// false.
func parseIntParam(
	w http.ResponseWriter, r *http.Request, name string,
) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			"invalid "+name+" parameter")
		return 0, false
	}
	return n, true
}

// clampLimit maps non-positive limits to def and caps at max.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
