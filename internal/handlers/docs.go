package handlers

import (
	"encoding/json"
	"html/template"
	"net/http"
	"sync"

	"github.com/invopop/jsonschema"

	"pvp-battle/internal/channel"
	"pvp-battle/internal/models"
)

type endpointDoc struct {
	Method      string
	Path        string
	Auth        bool
	Description string
}

var endpoints = []endpointDoc{
	{"POST", "/api/auth/guest", false, "Create a guest identity. Returns a bearer token and the new profile."},
	{"GET", "/api/me", true, "The caller's profile."},
	{"PUT", "/api/me/status", true, "Set the caller's status: online, searching_battle, in_battle or offline."},
	{"POST", "/api/matchmaking/join", true, "Enter the queue with {rating, level}. 409 when already searching."},
	{"POST", "/api/matchmaking/leave", true, "Leave the queue. Always succeeds."},
	{"GET", "/api/matchmaking/status", true, "Whether the caller is searching and for how long."},
	{"GET", "/api/matchmaking/lobby", false, "Anonymous list of waiting requests."},
	{"GET", "/api/battles/history", true, "The caller's battles, newest first. ?limit= up to 100."},
	{"GET", "/api/battles/{id}", true, "A battle the caller fought in."},
	{"POST", "/api/battles/{id}/settle", true, "Report a locally settled battle. Returns the authoritative result."},
	{"GET", "/api/leaderboard", false, "Top players by rating. ?limit= up to 100."},
	{"GET", "/api/docs/protocol", false, "JSON Schema of every websocket frame and broadcast payload."},
	{"GET", "/ws/channels/{topic}", true, "Join matchmaking:{userId} or battle:{battleId}. Token via header or ?token=."},
	{"GET", "/health", false, "Liveness."},
}

const apiDocsHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>PvP Battle API</title>
<style>
body { font-family: -apple-system, 'Segoe UI', Roboto, Arial, sans-serif; margin: 2rem auto; max-width: 960px; color: #222; }
table { border-collapse: collapse; width: 100%; }
td, th { text-align: left; padding: .4rem .6rem; border-bottom: 1px solid #ddd; vertical-align: top; }
code { background: #f4f4f4; padding: 0 .25rem; border-radius: 3px; }
.method { font-weight: bold; }
</style>
</head>
<body>
<h1>PvP Battle API</h1>
<p>Authenticated endpoints expect <code>Authorization: Bearer &lt;token&gt;</code>.
Wire formats are published as JSON Schema at <a href="/api/docs/protocol"><code>/api/docs/protocol</code></a>.</p>
<table>
<tr><th>Method</th><th>Path</th><th>Auth</th><th>Description</th></tr>
{{range .}}<tr><td class="method">{{.Method}}</td><td><code>{{.Path}}</code></td><td>{{if .Auth}}yes{{end}}</td><td>{{.Description}}</td></tr>
{{end}}</table>
</body>
</html>`

var docsTemplate = template.Must(template.New("docs").Parse(apiDocsHTML))

func ServeAPIDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	docsTemplate.Execute(w, endpoints)
}

// protocolTypes are the documents that cross the wire, keyed by frame or event name.
var protocolTypes = map[string]any{
	"frame":                  channel.Frame{},
	"presence_meta":          channel.PresenceMeta{},
	channel.EventMove:        models.Move{},
	channel.EventStateChange: channel.StateChange{},
	channel.EventBattleEnd:   channel.BattleEnd{},
	channel.EventMatchFound:  models.MatchFound{},
	"settlement_report":      models.SettlementReport{},
	"settlement_result":      models.SettlementResult{},
	"battle":                 models.Battle{},
}

var (
	protocolOnce sync.Once
	protocolDoc  []byte
	protocolErr  error
)

// ProtocolSchemas reflects every wire type into a JSON Schema document.
func ProtocolSchemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{AllowAdditionalProperties: true}
	out := make(map[string]*jsonschema.Schema, len(protocolTypes))
	for name, v := range protocolTypes {
		schema := reflector.Reflect(v)
		schema.Title = name
		out[name] = schema
	}
	return out
}

// ServeProtocolDocs handles GET /api/docs/protocol.
func ServeProtocolDocs(w http.ResponseWriter, r *http.Request) {
	protocolOnce.Do(func() {
		protocolDoc, protocolErr = json.Marshal(ProtocolSchemas())
	})
	if protocolErr != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to build protocol schema")
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.Write(protocolDoc)
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
