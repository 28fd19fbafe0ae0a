// Package reply decodes and encodes the multipart envelope exchanged with
// the dialog brain: a JSON part carrying the text and transfer directive,
// and a WAV part carrying the synthesized speech.
package reply

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
)

// DefaultAudioFilename is used when the audio part names no file.
const DefaultAudioFilename = "response.wav"

// ErrMalformedEnvelope is returned for a multipart body without a boundary
// or without any recognized part. The accompanying Reply is empty.
var ErrMalformedEnvelope = errors.New("malformed multipart envelope")

// Reply is a decoded dialog-brain response. Either part may be absent.
type Reply struct {
	JSON          map[string]any
	Audio         []byte
	AudioFilename string
}

// Directive is the normalized transfer intent of a reply.
type Directive struct {
	Requested   bool
	TargetLabel string
}

// HasAudio reports whether the reply carries playable audio.
func (r *Reply) HasAudio() bool {
	return r != nil && len(r.Audio) > 0
}

// Empty reports whether the reply carries nothing at all.
func (r *Reply) Empty() bool {
	return r == nil || (r.JSON == nil && len(r.Audio) == 0)
}

// Text returns the brain's textual answer, if any.
func (r *Reply) Text() string {
	if r == nil {
		return ""
	}
	s, _ := r.JSON["llm_response"].(string)
	return s
}

// Status returns the JSON status field, if any.
func (r *Reply) Status() string {
	if r == nil {
		return ""
	}
	s, _ := r.JSON["status"].(string)
	return s
}

// Directive extracts the transfer intent. The directive is read from a
// nested "transfer" object, or from the root object when it carries
// "transfer_request" itself.
func (r *Reply) Directive() Directive {
	if r == nil || r.JSON == nil {
		return Directive{}
	}
	src := r.JSON
	if nested, ok := r.JSON["transfer"].(map[string]any); ok {
		src = nested
	} else if _, ok := r.JSON["transfer_request"]; !ok {
		return Directive{}
	}

	requested, _ := src["transfer_request"].(bool)
	target, _ := src["transfer_target"].(string)
	return Directive{
		Requested:   requested,
		TargetLabel: strings.TrimSpace(target),
	}
}

// Decode parses a response body according to its Content-Type.
//
// Non-multipart bodies are parsed as JSON; a body that is not a JSON object
// is returned as-is in Audio. A multipart body without a boundary or
// without any recognized part returns an empty Reply and
// ErrMalformedEnvelope.
func Decode(contentType string, body []byte) (*Reply, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		if strings.Contains(strings.ToLower(contentType), "multipart/") {
			return &Reply{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		mediaType = ""
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return decodeSingle(body), nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return &Reply{}, fmt.Errorf("%w: no boundary", ErrMalformedEnvelope)
	}
	return decodeMultipart(body, boundary)
}

func decodeSingle(body []byte) *Reply {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil && obj != nil {
		return &Reply{JSON: obj}
	}
	if len(body) == 0 {
		return &Reply{}
	}
	return &Reply{Audio: body, AudioFilename: DefaultAudioFilename}
}

func decodeMultipart(body []byte, boundary string) (*Reply, error) {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	r := &Reply{}

	for {
		part, err := mr.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever parts were complete before the damage.
			if r.Empty() {
				return &Reply{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
			}
			break
		}

		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch partType {
		case "application/json":
			payload, err := io.ReadAll(part)
			if err != nil {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal(payload, &obj); err == nil && obj != nil {
				r.JSON = obj
			}
		case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
			payload, err := io.ReadAll(part)
			if err != nil || len(payload) == 0 {
				continue
			}
			r.Audio = payload
			r.AudioFilename = part.FileName()
			if r.AudioFilename == "" {
				r.AudioFilename = DefaultAudioFilename
			}
		}
		_ = part.Close()
	}

	if r.Empty() {
		return &Reply{}, fmt.Errorf("%w: no json or audio part", ErrMalformedEnvelope)
	}
	return r, nil
}

// Encode writes a two-part multipart/mixed body to w: payload as JSON, then
// wav as an attachment named filename. An empty boundary picks a random
// one. Returns the Content-Type header value for the body.
func Encode(w io.Writer, boundary string, payload any, wav []byte, filename string) (string, error) {
	mw := multipart.NewWriter(w)
	if boundary != "" {
		if err := mw.SetBoundary(boundary); err != nil {
			return "", fmt.Errorf("set boundary: %w", err)
		}
	}
	if filename == "" {
		filename = DefaultAudioFilename
	}

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal reply payload: %w", err)
	}

	jh := make(textproto.MIMEHeader)
	jh.Set("Content-Type", "application/json")
	pw, err := mw.CreatePart(jh)
	if err != nil {
		return "", fmt.Errorf("create json part: %w", err)
	}
	if _, err := pw.Write(jsonBytes); err != nil {
		return "", fmt.Errorf("write json part: %w", err)
	}

	ah := make(textproto.MIMEHeader)
	ah.Set("Content-Type", "audio/wav")
	ah.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	pw, err = mw.CreatePart(ah)
	if err != nil {
		return "", fmt.Errorf("create audio part: %w", err)
	}
	if _, err := pw.Write(wav); err != nil {
		return "", fmt.Errorf("write audio part: %w", err)
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}
	return mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}), nil
}

// Payload is the JSON summary the brain sends alongside the audio.
type Payload struct {
	Status      string    `json:"status"`
	LLMResponse string    `json:"llm_response"`
	Transfer    *Transfer `json:"transfer,omitempty"`
}

// Transfer is the wire form of a transfer directive.
type Transfer struct {
	Request bool   `json:"transfer_request"`
	Target  string `json:"transfer_target"`
}
