package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/listinvest/rendezvous/internal/hub"
)

// reqCtx is the context injected into every wrapped request.
type reqCtx struct {
	app  *App
	room *hub.Room
}

type reqOffer struct {
	Key   string          `json:"key"`
	Offer json.RawMessage `json:"offer"`
}

type reqAnswer struct {
	Answer json.RawMessage `json:"answer"`
}

type keyResp struct {
	Key string `json:"key"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type sessionResp struct {
	Offer  json.RawMessage `json:"offer"`
	Answer json.RawMessage `json:"answer"`
}

type errResp struct {
	Error string `json:"error"`
}

// handleIndex renders the index page.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := app.tpl.ExecuteTemplate(w, "index", struct {
		Config *hub.Config
		Rooms  int
	}{app.cfg, app.hub.ActiveRooms()}); err != nil {
		app.logger.Printf("error rendering index: %v", err)
	}
}

// handleHealth responds to health check probes.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// handleCreateOffer publishes a connection offer into the room and
// responds with the session key to hand to the answering party.
// Unlike the answer path, a missing or unparseable offer is rejected.
func handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context().Value("ctx").(*reqCtx)
		app  = ctx.app
		room = ctx.room
	)

	var req reqOffer
	if err := readJSONReq(r, &req); err != nil || !payloadPresent(req.Offer) {
		respondJSON(w, errResp{"invalid offer"}, http.StatusBadRequest)
		return
	}

	reqKey := r.URL.Query().Get("key")
	if reqKey == "" {
		reqKey = req.Key
	}

	key, err := room.CreateOffer(reqKey, req.Offer)
	if err == hub.ErrRoomClosed {
		// The room was reclaimed between routing and the op landing.
		// Creation is lazy, so re-resolve and retry once.
		key, err = app.hub.Room(room.ID).CreateOffer(reqKey, req.Offer)
	}
	if err != nil {
		app.logger.Printf("error creating offer in room %q: %v", room.ID, err)
		respondJSON(w, errResp{"internal error"}, http.StatusInternalServerError)
		return
	}
	respondJSON(w, keyResp{key}, http.StatusOK)
}

// handleSubmitAnswer records the connection answer on an existing
// session. A body that doesn't parse is tolerated and stored as a null
// answer; only the offer path is strict about its payload.
func handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context().Value("ctx").(*reqCtx)
		room = ctx.room
	)

	var (
		req    reqAnswer
		answer json.RawMessage
	)
	if err := readJSONReq(r, &req); err == nil && payloadPresent(req.Answer) {
		answer = req.Answer
	}

	err := room.SubmitAnswer(r.URL.Query().Get("key"), answer)
	if err != nil {
		// A reclaimed room means the record is gone either way.
		respondJSON(w, errResp{"no offer"}, http.StatusNotFound)
		return
	}
	respondJSON(w, okResp{true}, http.StatusOK)
}

// handleGetSession returns the current offer and answer for a session.
// The answering party polls this until the answer turns non-null.
func handleGetSession(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context().Value("ctx").(*reqCtx)
		room = ctx.room
	)

	sess, err := room.ReadSession(r.URL.Query().Get("key"))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	respondJSON(w, sessionResp{Offer: sess.Offer, Answer: sess.Answer}, http.StatusOK)
}

// handleQR renders the session's fetch URL as a QR code so the key can
// be handed to the answering party out-of-band.
func handleQR(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context().Value("ctx").(*reqCtx)
		app  = ctx.app
		room = ctx.room
	)

	key := r.URL.Query().Get("key")
	if _, err := room.ReadSession(key); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	target := app.cfg.RootURL + "/room/" + url.PathEscape(room.ID) + "/get?key=" + url.QueryEscape(key)
	png, err := qrcode.Encode(target, qrcode.Medium, 256)
	if err != nil {
		app.logger.Printf("error encoding QR for room %q: %v", room.ID, err)
		http.Error(w, "error generating QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// handleNotFound is the catch-all for unknown routes and methods.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not found", http.StatusNotFound)
}

// wrap attaches the app and, for room-scoped routes, the room instance
// to the request context. The room is created lazily on first reference.
func wrap(next http.HandlerFunc, app *App) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app}
		if roomID := chi.URLParam(r, "roomID"); roomID != "" {
			req.room = app.hub.Room(roomID)
		}
		if app.cfg.MaxRequestSize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, app.cfg.MaxRequestSize)
		}

		ctx := context.WithValue(r.Context(), "ctx", req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// cors applies the uniform cross-origin and cache headers to every
// response and short-circuits preflight requests.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Cache-Control", "no-store")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondJSON responds to an HTTP request with a JSON payload.
func respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	b, err := json.Marshal(data)
	if err != nil {
		logger.Printf("error marshalling JSON response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(b)
}

// readJSONReq reads the JSON body from a request and unmarshals it to
// the given target.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, o)
}

// payloadPresent reports whether an opaque payload is structurally
// present, that is, neither absent nor a JSON null.
func payloadPresent(p json.RawMessage) bool {
	return len(p) > 0 && !bytes.Equal(p, []byte("null"))
}
