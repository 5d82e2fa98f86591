package chain

import (
	"bytes"
	"encoding/json"
)

// CanonicalJSON re-encodes v with object keys in sorted order, giving a
// deterministic byte representation suitable for hashing. encoding/json
// already sorts map[string]any keys on marshal; round-tripping any struct
// through a generic map gets the same guarantee without a canonicalization
// library, matching the teacher's own hand-rolled approach to canonical
// encoding (no such library appears anywhere in the pack).
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
