package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gluk-w/claworc/ssh-service/internal/crypto"
	"github.com/gluk-w/claworc/ssh-service/internal/database"
	"github.com/gluk-w/claworc/ssh-service/internal/logutil"
	"github.com/gluk-w/claworc/ssh-service/internal/sshterminal"
	"github.com/go-chi/chi/v5"
)

const (
	defaultFontFamily   = "Menlo, Monaco, 'Courier New', monospace"
	sessionHistoryLimit = 10
	maxHistoryLimit     = 1000
)

type sessionRequest struct {
	Name         *string `json:"name"`
	Host         *string `json:"host"`
	Port         *int    `json:"port"`
	Username     *string `json:"username"`
	AuthType     *string `json:"authType"`
	Password     *string `json:"password"`
	PrivateKey   *string `json:"privateKey"`
	Passphrase   *string `json:"passphrase"`
	Timeout      *int    `json:"timeout"`
	KeepAlive    *bool   `json:"keepAlive"`
	TerminalType *string `json:"terminalType"`
	Cols         *int    `json:"cols"`
	Rows         *int    `json:"rows"`
	FontSize     *int    `json:"fontSize"`
	FontFamily   *string `json:"fontFamily"`
	Theme        *string `json:"theme"`
	Group        *string `json:"group"`
	IsFavorite   *bool   `json:"isFavorite"`
}

type sessionResponse struct {
	database.SSHSession
	Password     *string                      `json:"password"`
	PrivateKey   *string                      `json:"privateKey"`
	Passphrase   *string                      `json:"passphrase"`
	HistoryCount int64                        `json:"historyCount"`
	History      []database.ConnectionHistory `json:"history,omitempty"`
}

// connectProfile carries decrypted credentials back to the browser, which
// hands them to the ssh:connect event.
type connectProfile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	AuthType     string `json:"authType"`
	Password     string `json:"password,omitempty"`
	PrivateKey   string `json:"privateKey,omitempty"`
	Passphrase   string `json:"passphrase,omitempty"`
	Timeout      int    `json:"timeout"`
	TerminalType string `json:"terminalType"`
	Cols         int    `json:"cols"`
	Rows         int    `json:"rows"`
	FontSize     int    `json:"fontSize"`
	FontFamily   string `json:"fontFamily"`
	Theme        string `json:"theme"`
}

func maskedPtr(v string) *string {
	if v == "" {
		return nil
	}
	m := crypto.Mask(v)
	return &m
}

func toSessionResponse(s database.SSHSession, historyCount int64) sessionResponse {
	return sessionResponse{
		SSHSession:   s,
		Password:     maskedPtr(s.Password),
		PrivateKey:   maskedPtr(s.PrivateKey),
		Passphrase:   maskedPtr(s.Passphrase),
		HistoryCount: historyCount,
	}
}

// secretUpdate reports whether a submitted secret should replace the stored
// one. The masked placeholder echoed back by the UI means "unchanged".
func secretUpdate(v *string) bool {
	return v != nil && *v != crypto.MaskedValue
}

// validateSession checks the fields a connect request would reject.
func validateSession(s *database.SSHSession) error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if s.AuthType != database.AuthTypePassword && s.AuthType != database.AuthTypeKey {
		return errors.New("authType must be \"password\" or \"key\"")
	}
	req := sshterminal.ConnectRequest{
		Host:         s.Host,
		Port:         s.Port,
		Username:     s.Username,
		Timeout:      s.Timeout,
		TerminalType: s.TerminalType,
		Cols:         s.Cols,
		Rows:         s.Rows,
	}
	norm, err := req.Normalize(sshterminal.Defaults{})
	if err != nil {
		return err
	}
	s.Host = norm.Host
	s.Port = norm.Port
	s.Username = norm.Username
	s.Timeout = norm.Timeout
	s.TerminalType = norm.TerminalType
	s.Cols, s.Rows = norm.Cols, norm.Rows
	if s.FontSize < 0 {
		return errors.New("fontSize must not be negative")
	}
	return nil
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := database.ListSessions(r.URL.Query().Get("group"))
	if err != nil {
		log.Printf("[handlers] list sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch sessions")
		return
	}
	counts, err := database.HistoryCount()
	if err != nil {
		log.Printf("[handlers] history counts: %v", err)
		counts = map[string]int64{}
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s, counts[s.ID]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := database.GetSession(id)
	if err != nil {
		writeLookupError(w, err, "Failed to fetch session")
		return
	}
	history, err := database.ListHistory(id, sessionHistoryLimit)
	if err != nil {
		log.Printf("[handlers] history for %s: %v", id, err)
	}
	counts, err := database.HistoryCount()
	if err != nil {
		log.Printf("[handlers] history counts: %v", err)
	}

	resp := toSessionResponse(*s, counts[id])
	resp.History = history
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": resp})
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	var body sessionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s := database.SSHSession{
		Port:         22,
		AuthType:     database.AuthTypePassword,
		Timeout:      30000,
		KeepAlive:    true,
		TerminalType: sshterminal.DefaultTerminalType,
		Cols:         sshterminal.DefaultCols,
		Rows:         sshterminal.DefaultRows,
		FontSize:     14,
		FontFamily:   defaultFontFamily,
		Theme:        "default",
	}
	applySessionFields(&s, &body)
	if body.AuthType == nil && body.PrivateKey != nil && *body.PrivateKey != "" {
		s.AuthType = database.AuthTypeKey
	}
	if err := validateSession(&s); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, f := range []struct {
		dst *string
		src *string
	}{
		{&s.Password, body.Password},
		{&s.PrivateKey, body.PrivateKey},
		{&s.Passphrase, body.Passphrase},
	} {
		if !secretUpdate(f.src) {
			continue
		}
		enc, err := crypto.Encrypt(*f.src)
		if err != nil {
			log.Printf("[handlers] encrypt secret: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to create session")
			return
		}
		*f.dst = enc
	}

	if err := database.CreateSession(&s); err != nil {
		log.Printf("[handlers] create session: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	log.Printf("[handlers] session profile %s created for %s", s.ID,
		logutil.SanitizeForLog(logutil.Target(s.Username, s.Host, s.Port)))
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": toSessionResponse(s, 0)})
}

func UpdateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := database.GetSession(id)
	if err != nil {
		writeLookupError(w, err, "Failed to update session")
		return
	}

	var body sessionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	merged := *existing
	applySessionFields(&merged, &body)
	if err := validateSession(&merged); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updates := map[string]interface{}{
		"name":          merged.Name,
		"host":          merged.Host,
		"port":          merged.Port,
		"username":      merged.Username,
		"auth_type":     merged.AuthType,
		"timeout":       merged.Timeout,
		"keep_alive":    merged.KeepAlive,
		"terminal_type": merged.TerminalType,
		"cols":          merged.Cols,
		"rows":          merged.Rows,
		"font_size":     merged.FontSize,
		"font_family":   merged.FontFamily,
		"theme":         merged.Theme,
		"group_name":    merged.Group,
		"is_favorite":   merged.IsFavorite,
	}
	for _, f := range []struct {
		column string
		src    *string
	}{
		{"password", body.Password},
		{"private_key", body.PrivateKey},
		{"passphrase", body.Passphrase},
	} {
		if !secretUpdate(f.src) {
			continue
		}
		enc, err := crypto.Encrypt(*f.src)
		if err != nil {
			log.Printf("[handlers] encrypt secret: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to update session")
			return
		}
		updates[f.column] = enc
	}

	updated, err := database.UpdateSession(id, updates)
	if err != nil {
		writeLookupError(w, err, "Failed to update session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": toSessionResponse(*updated, 0)})
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := database.DeleteSession(id); err != nil {
		writeLookupError(w, err, "Failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := database.ListGroups()
	if err != nil {
		log.Printf("[handlers] list groups: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch groups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// ConnectSession records a connection attempt and returns the profile with
// decrypted credentials.
func ConnectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, entry, err := database.RecordConnect(id)
	if err != nil {
		writeLookupError(w, err, "Failed to connect to session")
		return
	}

	profile := connectProfile{
		ID:           s.ID,
		Name:         s.Name,
		Host:         s.Host,
		Port:         s.Port,
		Username:     s.Username,
		AuthType:     s.AuthType,
		Timeout:      s.Timeout,
		TerminalType: s.TerminalType,
		Cols:         s.Cols,
		Rows:         s.Rows,
		FontSize:     s.FontSize,
		FontFamily:   s.FontFamily,
		Theme:        s.Theme,
	}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&profile.Password, s.Password},
		{&profile.PrivateKey, s.PrivateKey},
		{&profile.Passphrase, s.Passphrase},
	} {
		plain, err := crypto.Decrypt(f.src)
		if err != nil {
			log.Printf("[handlers] decrypt credentials for %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "Failed to decrypt session credentials")
			return
		}
		*f.dst = plain
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":   profile,
		"historyId": entry.ID,
	})
}

func ListSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := database.GetSession(id); err != nil {
		writeLookupError(w, err, "Failed to fetch history")
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history, err := database.ListHistory(id, limit)
	if err != nil {
		log.Printf("[handlers] history for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

// FinishHistory records how a connection attempt ended.
func FinishHistory(w http.ResponseWriter, r *http.Request) {
	historyID, err := strconv.ParseUint(chi.URLParam(r, "historyId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid history ID")
		return
	}
	var body struct {
		Success      bool   `json:"success"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	err = database.FinishHistory(uint(historyID), body.Success, logutil.SanitizeForLog(body.ErrorMessage))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "History entry not found")
		return
	}
	if err != nil {
		log.Printf("[handlers] finish history %d: %v", historyID, err)
		writeError(w, http.StatusInternalServerError, "Failed to update history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func applySessionFields(s *database.SSHSession, b *sessionRequest) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&s.Name, b.Name)
	setString(&s.Host, b.Host)
	setInt(&s.Port, b.Port)
	setString(&s.Username, b.Username)
	setString(&s.AuthType, b.AuthType)
	setInt(&s.Timeout, b.Timeout)
	if b.KeepAlive != nil {
		s.KeepAlive = *b.KeepAlive
	}
	setString(&s.TerminalType, b.TerminalType)
	setInt(&s.Cols, b.Cols)
	setInt(&s.Rows, b.Rows)
	setInt(&s.FontSize, b.FontSize)
	setString(&s.FontFamily, b.FontFamily)
	setString(&s.Theme, b.Theme)
	setString(&s.Group, b.Group)
	if b.IsFavorite != nil {
		s.IsFavorite = *b.IsFavorite
	}
}

func writeLookupError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	log.Printf("[handlers] %s: %v", fallback, err)
	writeError(w, http.StatusInternalServerError, fallback)
}
