package efi_test

import (
	"testing"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGUIDParsing(t *testing.T) {
	testCases := []struct {
		name      string
		guidStr   string
		expectErr bool
		expected  efi.GUID
	}{
		{
			name:     "Valid GUID",
			guidStr:  "12345678-1234-5678-1234-567812345678",
			expected: efi.GUID{0x78, 0x56, 0x34, 0x12, 0x34, 0x12, 0x78, 0x56, 0x12, 0x34, 0x56, 0x78, 0x12, 0x34, 0x56, 0x78},
		},
		{
			name:     "EFI Global Variable GUID",
			guidStr:  efi.EfiGlobalVariableGUID,
			expected: efi.GUID{0x61, 0xdf, 0xe4, 0x8b, 0xca, 0x93, 0xd2, 0x11, 0xaa, 0x0d, 0x00, 0xe0, 0x98, 0x03, 0x2b, 0x8c},
		},
		{
			name:     "NV Data Filesystem GUID",
			guidStr:  efi.EfiSystemNvDataFvGUID,
			expected: efi.GUID{0x8d, 0x2b, 0xf1, 0xff, 0x96, 0x76, 0x8b, 0x4c, 0xa9, 0x85, 0x27, 0x47, 0x07, 0x5b, 0x4f, 0x50},
		},
		{
			name:      "Invalid Format",
			guidStr:   "not-a-guid",
			expectErr: true,
		},
		{
			name:      "Too Short",
			guidStr:   "12345678-1234-5678-1234-56781234567",
			expectErr: true,
		},
		{
			name:      "Too Long",
			guidStr:   "12345678-1234-5678-1234-5678123456789",
			expectErr: true,
		},
		{
			name:      "Missing Hyphens",
			guidStr:   "12345678123456781234567812345678",
			expectErr: true,
		},
		{
			name:      "Invalid Characters",
			guidStr:   "XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX",
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := efi.ParseGUID(tc.guidStr)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expected, g)
			assert.Equal(t, tc.guidStr, g.String())
		})
	}
}

func TestGUIDFromBytes(t *testing.T) {
	wire := efi.EfiGlobalVariableGuid[:]

	g, err := efi.GUIDFromBytes(append(wire, 0xff, 0xff))
	require.NoError(t, err)
	assert.Equal(t, efi.EfiGlobalVariableGuid, g)

	_, err = efi.GUIDFromBytes(wire[:15])
	assert.Error(t, err)
}

func TestGUIDTextRoundTrip(t *testing.T) {
	text, err := efi.EfiAuthenticatedVariableGuid.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, efi.EfiAuthenticatedVariableGUID, string(text))

	var g efi.GUID
	require.NoError(t, g.UnmarshalText(text))
	assert.Equal(t, efi.EfiAuthenticatedVariableGuid, g)

	assert.Error(t, g.UnmarshalText([]byte("bogus")))
}

func TestGUIDName(t *testing.T) {
	assert.Equal(t, "EfiGlobalVariable", efi.EfiGlobalVariableGuid.Name())

	other := efi.MustParseGUID("12345678-1234-5678-1234-567812345678")
	assert.Equal(t, "12345678-1234-5678-1234-567812345678", other.Name())
}

func TestFormatGUID(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Already Formatted GUID",
			input:    "12345678-1234-5678-1234-567812345678",
			expected: "12345678-1234-5678-1234-567812345678",
		},
		{
			name:     "GUID Without Hyphens",
			input:    "12345678123456781234567812345678",
			expected: "12345678-1234-5678-1234-567812345678",
		},
		{
			name:     "Upper Case Without Hyphens",
			input:    "8BE4DF6193CA11D2AA0D00E098032B8C",
			expected: efi.EfiGlobalVariableGUID,
		},
		{
			name:     "Invalid GUID",
			input:    "not-a-guid",
			expected: "not-a-guid",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, efi.FormatGUID(tc.input))
		})
	}
}
