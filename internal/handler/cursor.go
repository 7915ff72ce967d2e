package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kubomarket/sponsorship-ledger/internal/apperr"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

// cursorEnvelope is the opaque wire shape a client sees: base64 JSON
// wrapping the store's own (adapter-specific) cursor string (spec §6.1:
// "opaque base64 of a JSON last-evaluated-key").
type cursorEnvelope struct {
	Cursor string `json:"cursor"`
}

func encodeCursor(raw string) string {
	if raw == "" {
		return ""
	}
	b, _ := json.Marshal(cursorEnvelope{Cursor: raw})
	return base64.StdEncoding.EncodeToString(b)
}

// decodeCursor reverses encodeCursor; an empty input decodes to an empty
// store cursor (first page). Invalid base64 or a non-object payload is
// BadInput per spec §6.1.
func decodeCursor(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", apperr.New(apperr.BadInput, "invalid cursor encoding")
	}
	var env cursorEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", apperr.New(apperr.BadInput, "invalid cursor payload")
	}
	return env.Cursor, nil
}

// pageOptions parses the shared `cursor`/`limit` query parameters into
// store.QueryOptions.
func pageOptions(r *http.Request) (store.QueryOptions, error) {
	cursor, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		return store.QueryOptions{}, err
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return store.QueryOptions{}, apperr.New(apperr.BadInput, "invalid limit")
		}
		limit = n
	}
	return store.QueryOptions{Cursor: cursor, Limit: limit}, nil
}
