// Package jsonparser decodes one note's top-level JSON event object,
// rejecting malformed or semantically invalid input, and supports an
// id-seen callback so the ingester can drop a duplicate before
// verifying its signature. It uses encoding/json for structural
// tokenization but layers its own decimal scanner and string-unescape
// rules on top, since encoding/json's own unescaping silently accepts
// \uXXXX, which this parser must reject instead.
package jsonparser

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	hex "github.com/tmthrgd/go-hex"
)

// Verdict is returned by an IDSeenFunc.
type Verdict int

const (
	// Continue lets parsing proceed normally.
	Continue Verdict = iota
	// Stop aborts the parse immediately with ErrAlreadyHave.
	Stop
)

// IDSeenFunc is invoked with the hex id, exactly as it appears in the
// input, as soon as the top-level "id" field is decoded.
type IDSeenFunc func(hexID string) Verdict

// Sentinel errors distinguishing malformed JSON from semantically
// invalid but well-formed event objects.
var (
	ErrMalformed        = errors.New("jsonparser: malformed JSON")
	ErrMissingField     = errors.New("jsonparser: missing required field")
	ErrBadShape         = errors.New("jsonparser: field has wrong shape")
	ErrNumericOverflow  = errors.New("jsonparser: numeric field overflow")
	ErrBadHex           = errors.New("jsonparser: invalid hex field")
	ErrUnicodeEscape    = errors.New("jsonparser: \\u escapes are not supported")
	ErrInvalidEscape    = errors.New("jsonparser: invalid string escape")
	// ErrAlreadyHave is the distinguished sentinel an IDSeenFunc Stop
	// verdict produces, letting the ingester drop the event without
	// validating its signature.
	ErrAlreadyHave = errors.New("jsonparser: id already seen")
)

// Event is the decoded form of one note's JSON, ready to feed note.Builder.
type Event struct {
	ID        [32]byte
	Pubkey    [32]byte
	Sig       [64]byte
	Kind      uint32
	CreatedAt uint64
	Content   []byte
	Tags      [][][]byte
}

// Options configures ParseEvent.
type Options struct {
	IDSeen IDSeenFunc
}

// ParseEvent decodes one note's JSON object.
func ParseEvent(data []byte, opts Options) (Event, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return Event{}, errors.Wrap(ErrMalformed, err.Error())
	}

	var ev Event

	idRaw, ok := fields["id"]
	if !ok {
		return Event{}, errors.Wrap(ErrMissingField, "id")
	}
	idHex, err := decodeJSONString(idRaw)
	if err != nil {
		return Event{}, err
	}
	if opts.IDSeen != nil {
		if opts.IDSeen(string(idHex)) == Stop {
			return Event{}, ErrAlreadyHave
		}
	}
	if err := decodeHexFixed(ev.ID[:], idHex); err != nil {
		return Event{}, err
	}

	pkRaw, ok := fields["pubkey"]
	if !ok {
		return Event{}, errors.Wrap(ErrMissingField, "pubkey")
	}
	pkHex, err := decodeJSONString(pkRaw)
	if err != nil {
		return Event{}, err
	}
	if err := decodeHexFixed(ev.Pubkey[:], pkHex); err != nil {
		return Event{}, err
	}

	sigRaw, ok := fields["sig"]
	if !ok {
		return Event{}, errors.Wrap(ErrMissingField, "sig")
	}
	sigHex, err := decodeJSONString(sigRaw)
	if err != nil {
		return Event{}, err
	}
	if err := decodeHexFixed(ev.Sig[:], sigHex); err != nil {
		return Event{}, err
	}

	kindRaw, ok := fields["kind"]
	if !ok {
		return Event{}, errors.Wrap(ErrMissingField, "kind")
	}
	kind, err := decodeUint(kindRaw, 32)
	if err != nil {
		return Event{}, err
	}
	ev.Kind = uint32(kind)

	caRaw, ok := fields["created_at"]
	if !ok {
		return Event{}, errors.Wrap(ErrMissingField, "created_at")
	}
	ca, err := decodeUint(caRaw, 64)
	if err != nil {
		return Event{}, err
	}
	ev.CreatedAt = ca

	contentRaw, ok := fields["content"]
	if !ok {
		return Event{}, errors.Wrap(ErrMissingField, "content")
	}
	content, err := unescapeJSONString(contentRaw)
	if err != nil {
		return Event{}, err
	}
	ev.Content = content

	tagsRaw, ok := fields["tags"]
	if !ok {
		return Event{}, errors.Wrap(ErrMissingField, "tags")
	}
	var rawTags [][]json.RawMessage
	if err := json.Unmarshal(tagsRaw, &rawTags); err != nil {
		return Event{}, errors.Wrap(ErrBadShape, "tags: "+err.Error())
	}
	ev.Tags = make([][][]byte, len(rawTags))
	for i, rawTag := range rawTags {
		elems := make([][]byte, len(rawTag))
		for j, rawElem := range rawTag {
			s, err := unescapeJSONString(rawElem)
			if err != nil {
				return Event{}, err
			}
			elems[j] = s
		}
		ev.Tags[i] = elems
	}

	return ev, nil
}

func decodeJSONString(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrap(ErrBadShape, err.Error())
	}
	return []byte(s), nil
}

func decodeHexFixed(dst []byte, hexStr []byte) error {
	if len(hexStr) != len(dst)*2 {
		return errors.Wrap(ErrBadHex, "wrong length")
	}
	if _, err := hex.Decode(dst, hexStr); err != nil {
		return errors.Wrap(ErrBadHex, err.Error())
	}
	return nil
}

func decodeUint(raw json.RawMessage, bits int) (uint64, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, errors.Wrap(ErrBadShape, err.Error())
	}
	v, err := strconv.ParseUint(num.String(), 10, bits)
	if err != nil {
		return 0, errors.Wrap(ErrNumericOverflow, err.Error())
	}
	return v, nil
}

// unescapeJSONString applies custom unescape rules to a raw
// JSON string literal (quotes included): \n \t \r \b \f \\ \/ \" are
// supported; \uXXXX is not and fails the parse.
func unescapeJSONString(raw json.RawMessage) ([]byte, error) {
	s := bytes.TrimSpace(raw)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return nil, errors.Wrap(ErrBadShape, "expected JSON string")
	}
	s = s[1 : len(s)-1]
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, errors.Wrap(ErrInvalidEscape, "trailing backslash")
		}
		switch s[i] {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case '\\':
			out = append(out, '\\')
		case '/':
			out = append(out, '/')
		case '"':
			out = append(out, '"')
		case 'u':
			return nil, ErrUnicodeEscape
		default:
			return nil, errors.Wrapf(ErrInvalidEscape, "\\%c", s[i])
		}
	}
	return out, nil
}

// Frame classifies the outer ["EVENT", ...] / ["EOSE", ...] / ["OK", ...]
// array a raw inbound message may be wrapped in.
type Frame int

const (
	FrameUnknown Frame = iota
	// FrameClientEvent is ["EVENT", {...}].
	FrameClientEvent
	// FrameRelayEvent is ["EVENT", subid, {...}].
	FrameRelayEvent
	FrameEOSE
	FrameOK
)

// DetectFrame inspects the outer array and returns its kind plus, for
// the two EVENT variants, the raw event object payload.
func DetectFrame(data []byte) (Frame, json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return FrameUnknown, nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if len(arr) == 0 {
		return FrameUnknown, nil, errors.Wrap(ErrBadShape, "empty frame")
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return FrameUnknown, nil, errors.Wrap(ErrBadShape, "frame label")
	}
	switch label {
	case "EVENT":
		switch len(arr) {
		case 2:
			return FrameClientEvent, arr[1], nil
		case 3:
			return FrameRelayEvent, arr[2], nil
		default:
			return FrameUnknown, nil, errors.Wrap(ErrBadShape, "EVENT frame arity")
		}
	case "EOSE":
		return FrameEOSE, nil, nil
	case "OK":
		return FrameOK, nil, nil
	default:
		return FrameUnknown, nil, nil
	}
}
