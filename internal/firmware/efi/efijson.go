package efi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// VariableJSON is the JSON shape of a variable, compatible with the
// virt-fw-vars "version 2" export format.
type VariableJSON struct {
	Name string `json:"name"`
	GUID string `json:"guid"`
	Attr uint32 `json:"attr"`
	Data string `json:"data"` // hex encoded
}

func (v Variable) MarshalJSON() ([]byte, error) {
	return json.Marshal(VariableJSON{
		Name: v.Name,
		GUID: v.GUID.String(),
		Attr: uint32(v.Attributes),
		Data: hex.EncodeToString(v.Data),
	})
}

func (v *Variable) UnmarshalJSON(data []byte) error {
	var jv VariableJSON
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}

	guid, err := ParseGUID(jv.GUID)
	if err != nil {
		return err
	}
	payload, err := hex.DecodeString(jv.Data)
	if err != nil {
		return fmt.Errorf("variable %s: data: %w", jv.Name, err)
	}

	*v = Variable{
		Name:       jv.Name,
		GUID:       guid,
		Data:       payload,
		Attributes: Attributes(jv.Attr),
	}
	return nil
}

// MarshalVariableList renders vars as a version 2 document.
func MarshalVariableList(vars []Variable) ([]byte, error) {
	doc := struct {
		Version   int        `json:"version"`
		Variables []Variable `json:"variables"`
	}{Version: 2, Variables: vars}
	if doc.Variables == nil {
		doc.Variables = []Variable{}
	}
	return json.Marshal(doc)
}

// UnmarshalVariableList parses a version 2 document.
func UnmarshalVariableList(data []byte) ([]Variable, error) {
	var doc struct {
		Version   int        `json:"version"`
		Variables []Variable `json:"variables"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version != 2 {
		return nil, fmt.Errorf("unsupported variable list version: %d", doc.Version)
	}
	return doc.Variables, nil
}
