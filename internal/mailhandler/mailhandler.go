package mailhandler

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/OliverSchlueter/goutils/problems"
	"github.com/OliverSchlueter/mail-sender/internal/mails"
	"github.com/OliverSchlueter/mail-sender/internal/users"
	"github.com/goccy/go-json"
)

// Handler exposes the mails accepted by the local SMTP server over HTTP.
type Handler struct {
	mailStore *mails.Store
	userStore *users.Store
}

func New(mailStore *mails.Store, userStore *users.Store) *Handler {
	return &Handler{
		mailStore: mailStore,
		userStore: userStore,
	}
}

func (h *Handler) Register(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"/mailboxes/{user}/mails", h.handleMails)
	mux.HandleFunc(prefix+"/mailboxes/{user}/mails/{uid}", h.handleMail)
}

func (h *Handler) handleMails(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getMails(w, r.PathValue("user"))
	default:
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet}).WriteToHTTP(w)
	}
}

func (h *Handler) getMails(w http.ResponseWriter, userName string) {
	user, ok := h.lookupUser(w, userName)
	if !ok {
		return
	}

	m, err := h.mailStore.GetMails(user.ID)
	if err != nil {
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}
	if m == nil {
		m = []mails.Mail{}
	}
	sort.Slice(m, func(i, j int) bool { return m[i].Date.Before(m[j].Date) })

	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleMail(w http.ResponseWriter, r *http.Request) {
	userName := r.PathValue("user")

	uid, err := strconv.ParseUint(r.PathValue("uid"), 10, 32)
	if err != nil {
		problems.ValidationError("Mail UID", "Invalid mail UID").WriteToHTTP(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getMail(w, userName, uint32(uid))
	case http.MethodDelete:
		h.deleteMail(w, userName, uint32(uid))
	default:
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet, http.MethodDelete}).WriteToHTTP(w)
	}
}

func (h *Handler) getMail(w http.ResponseWriter, userName string, uid uint32) {
	user, ok := h.lookupUser(w, userName)
	if !ok {
		return
	}

	mail, err := h.mailStore.GetMailByUID(user.ID, uid)
	if err != nil {
		if errors.Is(err, mails.ErrMailNotFound) {
			http.Error(w, "mail not found", http.StatusNotFound)
			return
		}
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}

	writeJSON(w, http.StatusOK, mail)
}

func (h *Handler) deleteMail(w http.ResponseWriter, userName string, uid uint32) {
	user, ok := h.lookupUser(w, userName)
	if !ok {
		return
	}

	if err := h.mailStore.DeleteMail(user.ID, uid); err != nil {
		if errors.Is(err, mails.ErrMailNotFound) {
			http.Error(w, "mail not found", http.StatusNotFound)
			return
		}
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookupUser(w http.ResponseWriter, name string) (*users.User, bool) {
	user, err := h.userStore.GetByName(name)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return nil, false
		}
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return nil, false
	}
	return user, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		problems.InternalServerError("Error marshalling response").WriteToHTTP(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
