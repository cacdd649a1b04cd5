package capabilities

import (
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

// Body types accepted as fetch's second argument.
const (
	BodyText = "text"
	BodyJSON = "json"
	BodyAuto = "auto"
)

// decodeBody converts a response body into a sandbox value.
func decodeBody(body []byte, contentType, kind string) (any, error) {
	switch kind {
	case "", BodyText:
		return decodeText(body, contentType)
	case BodyJSON:
		return decodeJSON(body)
	case BodyAuto:
		if isJSON(body, contentType) {
			return decodeJSON(body)
		}
		return decodeText(body, contentType)
	default:
		return nil, fmt.Errorf("unsupported body type %q", kind)
	}
}

func decodeJSON(body []byte) (any, error) {
	var v any
	if err := sonic.ConfigStd.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode json body: %w", err)
	}
	return v, nil
}

func isJSON(body []byte, contentType string) bool {
	if media, _, err := mime.ParseMediaType(contentType); err == nil {
		if media == "application/json" || strings.HasSuffix(media, "+json") {
			return true
		}
	}
	return mimetype.Detect(body).Is("application/json")
}

// decodeText returns body as UTF-8. The declared charset wins; otherwise
// non-UTF-8 bodies are sniffed.
func decodeText(body []byte, contentType string) (string, error) {
	name := declaredCharset(contentType)
	if name == "" {
		if utf8.Valid(body) {
			return string(body), nil
		}
		name = detectCharset(body)
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return string(body), nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode %s body: %w", name, err)
	}
	return string(out), nil
}

func declaredCharset(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}

func detectCharset(body []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(body)
	if err != nil || result == nil {
		return "utf-8"
	}
	return strings.ToLower(result.Charset)
}
