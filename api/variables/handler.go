// Package variables serves the variable store over HTTP.
//
//	GET    /v1/variables                 list visible variables
//	POST   /v1/variables                 SetVariable for each entry of a version 2 list
//	GET    /v1/variables/{guid}/{name}   read one variable
//	PUT    /v1/variables/{guid}/{name}   SetVariable with {"attr", "data"}
//	DELETE /v1/variables/{guid}/{name}   delete with an empty write
//	POST   /v1/exit-boot-services        switch to runtime semantics
//	GET    /v1/boot                      boot order, boot next and Boot#### entries
//	PUT    /v1/boot/order                {"order": [ids]}
//	PUT    /v1/boot/next                 {"id": id}
//	DELETE /v1/boot/next
//
// GUIDs are accepted with or without hyphens. Variable data is hex encoded. Writes go through the SetVariable pipeline
// and EFI statuses are mapped onto HTTP status codes.
package variables

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
	"github.com/bmcpi/uefivars/internal/firmware/manager"
	"github.com/bmcpi/uefivars/internal/firmware/runtime"
	"github.com/bmcpi/uefivars/internal/firmware/varstore"
)

// Prefix is the path the handler expects to be mounted on.
const Prefix = "/v1/"

type handler struct {
	logger *slog.Logger
	svc    *runtime.Services
	boot   *manager.BootManager
	mux    *http.ServeMux
}

// New creates the variables handler.
func New(logger *slog.Logger, svc *runtime.Services, boot *manager.BootManager) http.Handler {
	h := &handler{
		logger: logger,
		svc:    svc,
		boot:   boot,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /v1/variables", h.list)
	h.mux.HandleFunc("POST /v1/variables", h.importList)
	h.mux.HandleFunc("GET /v1/variables/{guid}/{name}", h.get)
	h.mux.HandleFunc("PUT /v1/variables/{guid}/{name}", h.put)
	h.mux.HandleFunc("DELETE /v1/variables/{guid}/{name}", h.delete)
	h.mux.HandleFunc("POST /v1/exit-boot-services", h.exitBootServices)
	h.mux.HandleFunc("GET /v1/boot", h.bootConfig)
	h.mux.HandleFunc("PUT /v1/boot/order", h.setBootOrder)
	h.mux.HandleFunc("PUT /v1/boot/next", h.setBootNext)
	h.mux.HandleFunc("DELETE /v1/boot/next", h.clearBootNext)
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Handling variables request", "path", r.URL.Path, "method", r.Method)
	h.mux.ServeHTTP(w, r)
}

// httpStatus maps an EFI status onto an HTTP status code.
func httpStatus(s efi.Status) int {
	switch s {
	case efi.EfiSuccess:
		return http.StatusOK
	case efi.EfiNotFound:
		return http.StatusNotFound
	case efi.EfiInvalidParameter, efi.EfiBufferTooSmall:
		return http.StatusBadRequest
	case efi.EfiSecurityViolation:
		return http.StatusForbidden
	case efi.EfiUnsupported:
		return http.StatusNotImplemented
	case efi.EfiDeviceError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *handler) writeStatus(w http.ResponseWriter, s efi.Status, msg string) {
	h.writeJSON(w, httpStatus(s), errorResponse{Error: msg, Status: s.String()})
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	h.writeStatus(w, efi.StatusFromError(err), err.Error())
}

// identity parses the {guid} and {name} path values.
func identity(r *http.Request) (string, efi.GUID, error) {
	guid, err := efi.ParseGUID(efi.FormatGUID(r.PathValue("guid")))
	if err != nil {
		return "", efi.GUID{}, fmt.Errorf("%w: guid: %w", efi.ErrInvalidParameter, err)
	}
	name := r.PathValue("name")
	if err := checkName(name); err != nil {
		return "", efi.GUID{}, err
	}
	return name, guid, nil
}

// checkName rejects names UTF8ToUCS16 cannot encode faithfully.
func checkName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", efi.ErrInvalidParameter)
	case strings.ContainsRune(name, 0) || !utf8.ValidString(name):
		return fmt.Errorf("%w: %w: %q", efi.ErrInvalidParameter, efi.ErrInvalidName, name)
	}
	return nil
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	var vars []efi.Variable
	err := h.svc.Locked(r.Context(), func(vs *varstore.Varstore) error {
		var name string
		var guid efi.GUID
		for {
			v, err := vs.GetNext(name, guid)
			if errors.Is(err, varstore.ErrEndReached) {
				return nil
			}
			if err != nil {
				return err
			}
			vars = append(vars, v)
			name, guid = v.Name, v.GUID
		}
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	b, err := efi.MarshalVariableList(vars)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

// importList writes the variables of a version 2 document in order and
// stops at the first one that fails. Earlier writes are kept.
func (h *handler) importList(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeStatus(w, efi.EfiInvalidParameter, fmt.Sprintf("read request body: %v", err))
		return
	}
	vars, err := efi.UnmarshalVariableList(body)
	if err != nil {
		h.writeStatus(w, efi.EfiInvalidParameter, fmt.Sprintf("invalid variable list: %v", err))
		return
	}

	for i, v := range vars {
		if err := checkName(v.Name); err != nil {
			h.writeError(w, fmt.Errorf("variable %d: %w", i, err))
			return
		}
		status := h.svc.SetVariable(r.Context(), efi.UTF8ToUCS16(v.Name), v.GUID, v.Attributes, v.Data)
		if status.IsError() {
			h.writeStatus(w, status, fmt.Sprintf("import %s-%s", v.GUID, v.Name))
			return
		}
	}
	h.logger.Info("Imported variables", "count", len(vars))
	w.WriteHeader(http.StatusNoContent)
}

// read fetches a variable through GetVariable, sizing the buffer from the
// EFI_BUFFER_TOO_SMALL response.
func (h *handler) read(r *http.Request, name string, guid efi.GUID) (efi.Variable, efi.Status) {
	ucsName := efi.UTF8ToUCS16(name)
	var attrs efi.Attributes
	size := 0
	status := h.svc.GetVariable(r.Context(), ucsName, guid, &attrs, &size, []byte{})
	if status == efi.EfiBufferTooSmall {
		data := make([]byte, size)
		status = h.svc.GetVariable(r.Context(), ucsName, guid, &attrs, &size, data)
		return efi.NewVariableWithAttrs(name, guid, data[:size], attrs), status
	}
	return efi.NewVariableWithAttrs(name, guid, nil, attrs), status
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	name, guid, err := identity(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	v, status := h.read(r, name, guid)
	if status.IsError() {
		h.writeStatus(w, status, fmt.Sprintf("get %s-%s", guid, name))
		return
	}
	h.writeJSON(w, http.StatusOK, v)
}

type putRequest struct {
	Attr uint32 `json:"attr"`
	Data string `json:"data"`
}

func (h *handler) put(w http.ResponseWriter, r *http.Request) {
	name, guid, err := identity(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeStatus(w, efi.EfiInvalidParameter, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		h.writeStatus(w, efi.EfiInvalidParameter, fmt.Sprintf("data: %v", err))
		return
	}

	status := h.svc.SetVariable(r.Context(), efi.UTF8ToUCS16(name), guid, efi.Attributes(req.Attr), data)
	if status.IsError() {
		h.writeStatus(w, status, fmt.Sprintf("set %s-%s", guid, name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	name, guid, err := identity(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	v, status := h.read(r, name, guid)
	if !status.IsError() {
		status = h.svc.SetVariable(r.Context(), efi.UTF8ToUCS16(name), guid, v.Attributes, nil)
	}
	if status.IsError() {
		h.writeStatus(w, status, fmt.Sprintf("delete %s-%s", guid, name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) exitBootServices(w http.ResponseWriter, r *http.Request) {
	if status := h.svc.ExitBootServices(r.Context()); status.IsError() {
		h.writeStatus(w, status, "exit boot services")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bootEntry struct {
	ID          uint16 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	DevicePath  string `json:"device_path"`
	Active      bool   `json:"active"`
	Position    int    `json:"position"`
}

type bootResponse struct {
	Order   []uint16    `json:"order"`
	Next    *uint16     `json:"next,omitempty"`
	Entries []bootEntry `json:"entries"`
}

func (h *handler) bootConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := bootResponse{Order: []uint16{}, Entries: []bootEntry{}}

	order, err := h.boot.BootOrder(ctx)
	switch {
	case err == nil:
		resp.Order = order
	case !errors.Is(err, efi.ErrNotFound):
		h.writeError(w, err)
		return
	}

	next, err := h.boot.BootNext(ctx)
	switch {
	case err == nil:
		resp.Next = &next
	case !errors.Is(err, efi.ErrNotFound):
		h.writeError(w, err)
		return
	}

	entries, err := h.boot.BootEntries(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	for _, e := range entries {
		path, err := e.GetDevicePathString()
		if err != nil {
			path = hex.EncodeToString(e.DevicePath)
		}
		resp.Entries = append(resp.Entries, bootEntry{
			ID:          e.ID,
			Name:        e.Name(),
			Description: e.Description,
			DevicePath:  path,
			Active:      e.Active,
			Position:    e.Position,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) setBootOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order []uint16 `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeStatus(w, efi.EfiInvalidParameter, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := h.boot.SetBootOrder(r.Context(), req.Order); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setBootNext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID *uint16 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == nil {
		h.writeStatus(w, efi.EfiInvalidParameter, "request body must be {\"id\": <boot option id>}")
		return
	}
	if err := h.boot.SetBootNext(r.Context(), *req.ID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) clearBootNext(w http.ResponseWriter, r *http.Request) {
	if err := h.boot.ClearBootNext(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
