// Package testserver is an in-process stand-in for the chat backend,
// used by the engine's tests. It speaks the same REST and websocket
// contract: JWT bearer auth with a refresh endpoint, message history,
// chat summaries, and a live channel that assigns ids, fans out typing
// signals and turns read_messages into read_receipt frames.
package testserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/securetalk/securetalk-go/internal/models"
)

type user struct {
	passwordHash []byte
	publicKey    string
	profile      models.Profile
}

// wsClient serializes writes to one connected user's socket.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Server is the fake backend. Zero value fields get defaults in New.
type Server struct {
	// AccessTTL is the lifetime of minted access tokens.
	AccessTTL time.Duration
	// RefreshDelay adds artificial latency to the refresh endpoint so
	// tests can pile up concurrent refresh callers.
	RefreshDelay time.Duration

	secret   []byte
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	users       map[string]*user
	googleUsers map[string]string // credential -> email
	chats       map[string][]models.ChatSummary
	messages    map[string][]models.Message // keyed by convKey
	nextID      int64
	conns       map[string]*wsClient

	refreshCalls int32
}

// New starts the fake backend on an ephemeral port.
func New() *Server {
	s := &Server{
		AccessTTL:   time.Hour,
		secret:      []byte("testserver-secret"),
		users:       map[string]*user{},
		googleUsers: map[string]string{},
		chats:       map[string][]models.ChatSummary{},
		messages:    map[string][]models.Message{},
		conns:       map[string]*wsClient{},
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/login/", s.handleLogin).Methods("POST")
	r.HandleFunc("/api/signup/", s.handleSignup).Methods("POST")
	r.HandleFunc("/api/token/refresh/", s.handleRefresh).Methods("POST")
	r.HandleFunc("/api/google-auth/", s.handleGoogleAuth).Methods("POST")
	r.Handle("/api/chats/", s.requireAuth(s.handleChats)).Methods("GET")
	r.Handle("/api/messages/{peer}/", s.requireAuth(s.handleMessages)).Methods("GET")
	r.Handle("/api/profile/", s.requireAuth(s.handleProfile)).Methods("GET", "PATCH")
	r.Handle("/api/profile/{peer}/", s.requireAuth(s.handlePeerProfile)).Methods("GET")
	r.HandleFunc("/ws/chat/{peer}/", s.handleWS)

	s.httpSrv = httptest.NewServer(r)
	return s
}

// URL is the REST base URL.
func (s *Server) URL() string { return s.httpSrv.URL }

// WSURL is the websocket base URL.
func (s *Server) WSURL() string { return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") }

// Close shuts the backend down.
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.conns = map[string]*wsClient{}
	s.mu.Unlock()
	s.httpSrv.Close()
}

// AddUser registers an account directly, bypassing the signup route.
func (s *Server) AddUser(username, password string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.users[username] = &user{
		passwordHash: hash,
		profile:      models.Profile{Username: username},
	}
	s.mu.Unlock()
}

// AddGoogleUser maps a Google credential to an account email.
func (s *Server) AddGoogleUser(credential, email string) {
	s.mu.Lock()
	s.googleUsers[credential] = email
	s.mu.Unlock()
}

// SeedChats sets the summary list returned to username.
func (s *Server) SeedChats(username string, chats []models.ChatSummary) {
	s.mu.Lock()
	s.chats[username] = chats
	s.mu.Unlock()
}

// SeedHistory installs a conversation history between two users,
// assigning server ids to entries that lack one.
func (s *Server) SeedHistory(a, b string, history []models.Message) {
	s.mu.Lock()
	for i := range history {
		if history[i].ID == 0 {
			s.nextID++
			history[i].ID = s.nextID
		}
	}
	s.messages[convKey(a, b)] = history
	s.mu.Unlock()
}

// MintTokens issues a token pair for a user with the server's access
// TTL. ttl overrides let tests mint tokens already inside the refresh
// window, or already expired.
func (s *Server) MintTokens(username string) (access, refresh string) {
	return s.MintTokensTTL(username, s.AccessTTL)
}

func (s *Server) MintTokensTTL(username string, ttl time.Duration) (access, refresh string) {
	return s.mintToken(username, "access", ttl), s.mintToken(username, "refresh", 24*time.Hour)
}

// RefreshCalls reports how many refresh requests the server handled.
func (s *Server) RefreshCalls() int {
	return int(atomic.LoadInt32(&s.refreshCalls))
}

// Push injects a frame into username's live channel, as if the server
// pushed it. Fails when the user has no open channel.
func (s *Server) Push(username string, frame any) error {
	s.mu.Lock()
	c := s.conns[username]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("no open channel for %s", username)
	}
	return c.writeJSON(frame)
}

// PushRaw injects raw bytes, letting tests feed malformed frames.
func (s *Server) PushRaw(username string, data []byte) error {
	s.mu.Lock()
	c := s.conns[username]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("no open channel for %s", username)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether username has an open channel.
func (s *Server) Connected(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[username] != nil
}

func (s *Server) mintToken(username, typ string, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"username":   username,
		"sub":        username,
		"token_type": typ,
		"iat":        jwt.NewNumericDate(time.Now()),
		"exp":        jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return token
}

func (s *Server) verifyToken(tokenString, typ string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims["token_type"] != typ {
		return "", fmt.Errorf("wrong token type")
	}
	username, _ := claims["username"].(string)
	if username == "" {
		return "", fmt.Errorf("no username claim")
	}
	return username, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	u := s.users[creds.Username]
	s.mu.Unlock()

	if u == nil || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(creds.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "No active account found with the given credentials",
		})
		return
	}

	access, refresh := s.MintTokens(creds.Username)
	writeJSON(w, http.StatusOK, map[string]string{"access": access, "refresh": refresh})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fields := map[string][]string{}
	if req.Username == "" {
		fields["username"] = append(fields["username"], "This field may not be blank.")
	}
	if len(req.Password) < 8 {
		fields["password"] = append(fields["password"], "Ensure this field has at least 8 characters.")
	}

	s.mu.Lock()
	if _, exists := s.users[req.Username]; exists {
		fields["username"] = append(fields["username"], "A user with that username already exists.")
	}
	s.mu.Unlock()

	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, fields)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.users[req.Username] = &user{
		passwordHash: hash,
		publicKey:    req.PublicKey,
		profile:      models.Profile{Username: req.Username, PublicKey: req.PublicKey},
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.refreshCalls, 1)
	if s.RefreshDelay > 0 {
		time.Sleep(s.RefreshDelay)
	}

	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	username, err := s.verifyToken(req.Refresh, "refresh")
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Token is invalid or expired",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access": s.mintToken(username, "access", s.AccessTTL),
	})
}

func (s *Server) handleGoogleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	email, ok := s.googleUsers[req.Credential]
	if ok {
		if _, exists := s.users[email]; !exists {
			s.users[email] = &user{profile: models.Profile{Username: email, Email: email}}
		}
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid Google credential"})
		return
	}

	access, refresh := s.MintTokens(email)
	writeJSON(w, http.StatusOK, map[string]string{
		"access": access, "refresh": refresh, "email": email,
	})
}

// requireAuth validates the bearer token and stashes the username in a
// header for the handler.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}
		username, err := s.verifyToken(token, "access")
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid for any token type"})
			return
		}
		next(w, r, username)
	})
}

func (s *Server) handleChats(w http.ResponseWriter, _ *http.Request, username string) {
	s.mu.Lock()
	chats := s.chats[username]
	s.mu.Unlock()

	if chats == nil {
		chats = []models.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, username string) {
	peer := mux.Vars(r)["peer"]

	s.mu.Lock()
	history := append([]models.Message(nil), s.messages[convKey(username, peer)]...)
	s.mu.Unlock()

	if history == nil {
		history = []models.Message{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, username string) {
	s.mu.Lock()
	u := s.users[username]
	s.mu.Unlock()
	if u == nil {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodPatch {
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		if v, ok := patch["bio"].(string); ok {
			u.profile.Bio = v
		}
		if v, ok := patch["email"].(string); ok {
			u.profile.Email = v
		}
		s.mu.Unlock()
	}

	writeJSON(w, http.StatusOK, u.profile)
}

func (s *Server) handlePeerProfile(w http.ResponseWriter, r *http.Request, _ string) {
	peer := mux.Vars(r)["peer"]

	s.mu.Lock()
	u := s.users[peer]
	s.mu.Unlock()
	if u == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, u.profile)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func convKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
