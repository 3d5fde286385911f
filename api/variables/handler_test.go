package variables

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
	"github.com/bmcpi/uefivars/internal/firmware/manager"
	"github.com/bmcpi/uefivars/internal/firmware/runtime"
	"github.com/bmcpi/uefivars/internal/firmware/varstore"
)

const globalGUID = "8be4df61-93ca-11d2-aa0d-00e098032b8c"

func newHandler(t *testing.T, vars ...efi.Variable) http.Handler {
	t.Helper()
	vs := varstore.New()
	vs.Load(vars...)
	svc := runtime.New(vs, testr.New(t))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, svc, manager.NewBootManager(svc, testr.New(t)))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestListAndGet(t *testing.T) {
	h := newHandler(t,
		efi.NewVariableWithAttrs("Timeout", efi.EfiGlobalVariableGuid, []byte{5, 0}, 7),
		efi.NewVariableWithAttrs("Lang", efi.EfiGlobalVariableGuid, []byte("eng"), 7),
	)

	w := do(t, h, http.MethodGet, "/v1/variables", "")
	require.Equal(t, http.StatusOK, w.Code)
	vars, err := efi.UnmarshalVariableList(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "Timeout", vars[0].Name)
	assert.Equal(t, "Lang", vars[1].Name)

	for _, guid := range []string{globalGUID, "8BE4DF6193CA11D2AA0D00E098032B8C"} {
		w = do(t, h, http.MethodGet, "/v1/variables/"+guid+"/Lang", "")
		require.Equal(t, http.StatusOK, w.Code, guid)
		var v efi.Variable
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
		assert.Equal(t, []byte("eng"), v.Data)
		assert.Equal(t, efi.Attributes(7), v.Attributes)
		assert.Equal(t, efi.EfiGlobalVariableGuid, v.GUID)
	}
}

func TestImport(t *testing.T) {
	h := newHandler(t, efi.NewVariableWithAttrs("Lang", efi.EfiGlobalVariableGuid, []byte("eng"), 7))

	doc := `{"version": 2, "variables": [
		{"name": "Custom", "guid": "` + globalGUID + `", "attr": 7, "data": "0102"},
		{"name": "Lang", "guid": "` + globalGUID + `", "attr": 7, "data": "667261"}
	]}`
	w := do(t, h, http.MethodPost, "/v1/variables", doc)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/variables", "")
	vars, err := efi.UnmarshalVariableList(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "Lang", vars[0].Name)
	assert.Equal(t, []byte("fra"), vars[0].Data)
	assert.Equal(t, "Custom", vars[1].Name)
	assert.Equal(t, []byte{1, 2}, vars[1].Data)

	testCases := []struct {
		name   string
		body   string
		code   int
		status string
	}{
		{"bad json", `{`, http.StatusBadRequest, "EFI_INVALID_PARAMETER"},
		{"wrong version", `{"version": 1, "variables": []}`, http.StatusBadRequest, "EFI_INVALID_PARAMETER"},
		{"bad guid", `{"version": 2, "variables": [{"name": "X", "guid": "nope", "attr": 7, "data": ""}]}`, http.StatusBadRequest, "EFI_INVALID_PARAMETER"},
		{"interior nul", `{"version": 2, "variables": [{"name": "A\u0000B", "guid": "` + globalGUID + `", "attr": 7, "data": "01"}]}`, http.StatusBadRequest, "EFI_INVALID_PARAMETER"},
		{"stops at failure", `{"version": 2, "variables": [
			{"name": "Written", "guid": "` + globalGUID + `", "attr": 7, "data": "01"},
			{"name": "Signed", "guid": "` + globalGUID + `", "attr": 23, "data": "01"}
		]}`, http.StatusNotImplemented, "EFI_UNSUPPORTED"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/v1/variables", tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.status, resp.Status)
		})
	}

	w = do(t, h, http.MethodGet, "/v1/variables/"+globalGUID+"/Written", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, "/v1/variables/"+globalGUID+"/Signed", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetErrors(t *testing.T) {
	h := newHandler(t)

	testCases := []struct {
		name   string
		path   string
		code   int
		status string
	}{
		{"not found", "/v1/variables/" + globalGUID + "/Missing", http.StatusNotFound, "EFI_NOT_FOUND"},
		{"bad guid", "/v1/variables/not-a-guid/Lang", http.StatusBadRequest, "EFI_INVALID_PARAMETER"},
		{"interior nul", "/v1/variables/" + globalGUID + "/Lang%00X", http.StatusBadRequest, "EFI_INVALID_PARAMETER"},
		{"invalid utf-8", "/v1/variables/" + globalGUID + "/Lang%ff", http.StatusBadRequest, "EFI_INVALID_PARAMETER"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, tc.path, "")
			assert.Equal(t, tc.code, w.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.status, resp.Status)
		})
	}
}

func TestPutAndDelete(t *testing.T) {
	h := newHandler(t)
	path := "/v1/variables/" + globalGUID + "/Custom"

	testCases := []struct {
		name string
		body string
		code int
	}{
		{"create", `{"attr": 7, "data": "0102"}`, http.StatusNoContent},
		{"append", `{"attr": 71, "data": "03"}`, http.StatusNoContent},
		{"attribute change", `{"attr": 3, "data": "04"}`, http.StatusBadRequest},
		{"authenticated write", `{"attr": 23, "data": "04"}`, http.StatusNotImplemented},
		{"time and enhanced auth", `{"attr": 167, "data": "04"}`, http.StatusForbidden},
		{"bad hex", `{"attr": 7, "data": "zz"}`, http.StatusBadRequest},
		{"bad body", `{`, http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodPut, path, tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}

	w := do(t, h, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	var v efi.Variable
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, []byte{1, 2, 3}, v.Data)

	w = do(t, h, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, h, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExitBootServices(t *testing.T) {
	h := newHandler(t,
		efi.NewVariableWithAttrs("BootOnly", efi.EfiGlobalVariableGuid, []byte{1}, 3),
		efi.NewVariableWithAttrs("Runtime", efi.EfiGlobalVariableGuid, []byte{1}, 7),
	)

	w := do(t, h, http.MethodPost, "/v1/exit-boot-services", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodGet, "/v1/variables", "")
	vars, err := efi.UnmarshalVariableList(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "Runtime", vars[0].Name)

	w = do(t, h, http.MethodPut, "/v1/variables/"+globalGUID+"/BootOnly", `{"attr": 3, "data": "02"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBoot(t *testing.T) {
	path, err := efi.DevicePathBytes(efi.URINode("http://10.0.0.1/boot.efi"))
	require.NoError(t, err)
	entry := efi.BootEntry{Description: "HTTP boot", DevicePath: path, Active: true}
	data, err := entry.ToBytes()
	require.NoError(t, err)

	h := newHandler(t,
		efi.NewVariableWithAttrs("Boot0000", efi.EfiGlobalVariableGuid, data, manager.BootAttributes),
		efi.NewVariableWithAttrs("Boot0001", efi.EfiGlobalVariableGuid, data, manager.BootAttributes),
		efi.NewVariableWithAttrs("BootOrder", efi.EfiGlobalVariableGuid, efi.CreateBootOrderData([]uint16{0, 1}), manager.BootAttributes),
	)

	w := do(t, h, http.MethodPut, "/v1/boot/order", `{"order": [1, 0]}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = do(t, h, http.MethodPut, "/v1/boot/next", `{"id": 1}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/boot", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp bootResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []uint16{1, 0}, resp.Order)
	require.NotNil(t, resp.Next)
	assert.Equal(t, uint16(1), *resp.Next)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "Boot0000", resp.Entries[0].Name)
	assert.Equal(t, 1, resp.Entries[0].Position)
	assert.Equal(t, "HTTP boot", resp.Entries[0].Description)

	w = do(t, h, http.MethodDelete, "/v1/boot/next", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	testCases := []struct {
		name string
		path string
		body string
		code int
	}{
		{"unknown order id", "/v1/boot/order", `{"order": [5]}`, http.StatusNotFound},
		{"empty order", "/v1/boot/order", `{"order": []}`, http.StatusBadRequest},
		{"unknown next id", "/v1/boot/next", `{"id": 5}`, http.StatusNotFound},
		{"missing next id", "/v1/boot/next", `{}`, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodPut, tc.path, tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}
}

func TestEmptyBoot(t *testing.T) {
	w := do(t, newHandler(t), http.MethodGet, "/v1/boot", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"order": [], "entries": []}`, w.Body.String())
}
