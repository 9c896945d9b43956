package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/rotisserie/eris"
)

// readForm parses a urlencoded or multipart body into single-valued fields.
// The first value wins for repeated keys.
func readForm(r *http.Request) (map[string]string, error) {
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, eris.Wrap(err, "webhook: parse form")
	}
	out := make(map[string]string, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out, nil
}

// readBitrix accepts either a form body or a JSON object. JSON is flattened
// to the bracketed keys a form body would carry, so both reach the pipeline
// as data[CALL_ID], auth[domain] and so on.
func readBitrix(r *http.Request) (map[string]string, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "application/json" {
		return readForm(r)
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, eris.Wrap(err, "webhook: decode json")
	}
	out := make(map[string]string)
	for k, v := range body {
		flatten(out, k, v)
	}
	return out, nil
}

func flatten(out map[string]string, key string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			flatten(out, key+"["+k+"]", inner)
		}
	case []any:
		for i, inner := range val {
			flatten(out, key+"["+strconv.Itoa(i)+"]", inner)
		}
	case nil:
	case string:
		out[key] = val
	default:
		out[key] = fmt.Sprint(val)
	}
}
