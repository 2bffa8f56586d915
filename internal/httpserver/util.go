package httpserver

import (
	"encoding/json"
	"errors"
	"io"
)

// maxRequestBody caps proxy request bodies. A payment header plus one
// requirement is well under this.
const maxRequestBody = 64 << 10

// decodeJSON decodes a single JSON object from the body into dest and
// closes the body. Unknown fields and trailing data are rejected.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(io.LimitReader(r, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}
