package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/GRhin/stronghold-lobby/pkg/auth"
	"github.com/GRhin/stronghold-lobby/pkg/directory"
	"github.com/GRhin/stronghold-lobby/pkg/model"
)

// TokenTTL is how long issued auth tokens stay valid.
const TokenTTL = 24 * time.Hour

// AuthHandler serves register and login over plain HTTP; everything after
// that rides the websocket.
type AuthHandler struct {
	Dir *directory.Store
}

func (a *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/register", a.handleRegister)
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
}

type credentials struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string           `json:"token"`
	User  model.PublicUser `json:"user"`
}

func (a *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Name == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "name and password required")
		return
	}
	user, err := a.Dir.Register(creds.Name, creds.Password)
	if err != nil {
		if errors.Is(err, directory.ErrNameTaken) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		log.Printf("register failed name=%q: %v", creds.Name, err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	a.issueToken(w, user)
}

func (a *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	user, err := a.Dir.Login(creds.Name, creds.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	a.issueToken(w, user)
}

func (a *AuthHandler) issueToken(w http.ResponseWriter, user model.User) {
	token, err := auth.Generate(user.UserID, user.Name, TokenTTL)
	if err != nil {
		log.Printf("token generation failed user=%s: %v", user.UserID, err)
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user.Public()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
