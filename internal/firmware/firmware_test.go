package firmware_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmcpi/uefivars/internal/firmware"
	"github.com/bmcpi/uefivars/internal/firmware/edk2"
	"github.com/bmcpi/uefivars/internal/firmware/edk2/edk2test"
	"github.com/bmcpi/uefivars/internal/firmware/efi"
	"github.com/bmcpi/uefivars/internal/firmware/varstore"
)

const nvbsrt = efi.EfiAttrNonVolatile | efi.EfiAttrBootserviceAccess | efi.EfiAttrRuntimeAccess

func testImage() []byte {
	return edk2test.Image(
		efi.NewVariableWithAttrs("BootOrder", efi.EfiGlobalVariableGuid, []byte{0, 0}, nvbsrt),
		efi.NewVariable("SetupMode", efi.EfiGlobalVariableGuid, []byte{1}),
	)
}

func writeFile(t *testing.T, name string, b []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p
}

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zipped(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, b := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(b)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarred(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, b := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(b)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(b)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	img, err := firmware.Load(ctx, testImage(), firmware.Config{}, testr.New(t))
	require.NoError(t, err)

	assert.Len(t, img.Store.Records, 2)
	assert.Equal(t, uint32(edk2test.StoreSize), img.Store.Header.Size)

	err = img.Services.Locked(ctx, func(vs *varstore.Varstore) error {
		assert.Equal(t, 2, vs.Len())
		assert.Equal(t, varstore.DefaultMaxNameLength, vs.MaxNameLength())
		assert.False(t, vs.BootServicesExited())
		return nil
	})
	require.NoError(t, err)
}

func TestLoadOptions(t *testing.T) {
	ctx := context.Background()
	img, err := firmware.Load(ctx, testImage(), firmware.Config{MaxDataLength: 128, ExitBootServices: true}, testr.New(t))
	require.NoError(t, err)

	err = img.Services.Locked(ctx, func(vs *varstore.Varstore) error {
		assert.Equal(t, varstore.DefaultMaxNameLength, vs.MaxNameLength())
		assert.Equal(t, 128, vs.MaxDataLength())
		assert.True(t, vs.BootServicesExited())

		_, err := vs.Get("SetupMode", efi.EfiGlobalVariableGuid)
		assert.ErrorIs(t, err, efi.ErrNotFound, "boot service only variable hidden at runtime")
		return nil
	})
	require.NoError(t, err)
}

func TestLoadRejectsCorruptImage(t *testing.T) {
	b := testImage()
	b[0x28] = 'X'

	_, err := firmware.Load(context.Background(), b, firmware.Config{}, testr.New(t))
	var perr *edk2.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "signature", perr.Check)
}

func TestOpen(t *testing.T) {
	img := testImage()

	testCases := []struct {
		name   string
		file   string
		data   []byte
		member string
	}{
		{name: "raw", file: "OVMF_VARS.fd", data: img},
		{name: "gzip", file: "OVMF_VARS.fd.gz", data: gzipped(t, img)},
		{name: "zip single file", file: "firmware.zip", data: zipped(t, map[string][]byte{"OVMF_VARS.fd": img})},
		{
			name:   "zip member",
			file:   "firmware.zip",
			data:   zipped(t, map[string][]byte{"README.md": []byte("hi"), "fw/OVMF_VARS.fd": img}),
			member: "OVMF_VARS.fd",
		},
		{
			name:   "tar.gz member",
			file:   "firmware.tar.gz",
			data:   gzipped(t, tarred(t, map[string][]byte{"LICENSE": []byte("x"), "./OVMF_VARS.fd": img})),
			member: "OVMF_VARS.fd",
		},
		{name: "tar", file: "firmware.tar", data: tarred(t, map[string][]byte{"vars.fd": img})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := writeFile(t, tc.file, tc.data)
			got, err := firmware.Open(context.Background(), firmware.Config{
				Source: firmware.Source{Location: p, Member: tc.member},
			}, testr.New(t))
			require.NoError(t, err)
			assert.Len(t, got.Store.Active(), 2)
		})
	}
}

func TestOpenErrors(t *testing.T) {
	img := testImage()

	testCases := []struct {
		name    string
		file    string
		data    []byte
		member  string
		wantErr error
	}{
		{name: "ambiguous zip", file: "fw.zip", data: zipped(t, map[string][]byte{"a.fd": img, "b.fd": img}), wantErr: firmware.ErrNoMember},
		{name: "missing member", file: "fw.zip", data: zipped(t, map[string][]byte{"a.fd": img}), member: "b.fd", wantErr: firmware.ErrNoMember},
		{name: "truncated image", file: "vars.fd", data: img[:0x40], wantErr: edk2.ErrTruncated},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := writeFile(t, tc.file, tc.data)
			_, err := firmware.Open(context.Background(), firmware.Config{
				Source: firmware.Source{Location: p, Member: tc.member},
			}, testr.New(t))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := firmware.Open(context.Background(), firmware.Config{
			Source: firmware.Source{Location: filepath.Join(t.TempDir(), "nope.fd")},
		}, testr.New(t))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestOpenRemote(t *testing.T) {
	img := testImage()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/OVMF_VARS.fd":
			_, _ = w.Write(img)
		case "/firmware.zip":
			w.Header().Set("Content-Type", "application/zip")
			_, _ = w.Write(zipped(t, map[string][]byte{"OVMF_VARS.fd": img}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	for _, p := range []string{"/OVMF_VARS.fd", "/firmware.zip"} {
		t.Run(p, func(t *testing.T) {
			got, err := firmware.Open(context.Background(), firmware.Config{
				Source: firmware.Source{Location: srv.URL + p},
			}, testr.New(t))
			require.NoError(t, err)
			assert.Len(t, got.Store.Active(), 2)
		})
	}

	t.Run("not found", func(t *testing.T) {
		_, err := firmware.Open(context.Background(), firmware.Config{
			Source: firmware.Source{Location: srv.URL + "/missing.fd"},
		}, testr.New(t))
		assert.ErrorContains(t, err, "status 404")
	})
}

func TestSource(t *testing.T) {
	testCases := []struct {
		location string
		remote   bool
		archive  bool
	}{
		{"/var/lib/uefivars/OVMF_VARS.fd", false, false},
		{"vars.fd.gz", false, true},
		{"https://example.com/RPi4_UEFI_Firmware_v1.38.zip", true, true},
		{"http://example.com/a.tar.gz?x=1", true, true},
		{"http://example.com/vars.fd", true, false},
		{"ftp://example.com/vars.fd", false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.location, func(t *testing.T) {
			s := firmware.Source{Location: tc.location}
			assert.Equal(t, tc.remote, s.IsRemote())
			assert.Equal(t, tc.archive, s.IsArchive())
		})
	}
}
