// Package profile implements the compact, self-describing profile
// record built from a kind-0 note's JSON content, stored under
// profiles[profile_key], and always carrying at least name,
// display_name, lnurl, received_at and note_key.
package profile

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

// Profile is the decoded, storable form of a kind-0 event's content.
type Profile struct {
	Name        string
	DisplayName string
	About       string
	Picture     string
	Banner      string
	Website     string
	NIP05       string
	LNURL       string
	Lud16       string
	ReceivedAt  uint64
	NoteKey     uint64
}

// rawContent mirrors the loosely-typed JSON a kind-0 note's content
// holds; unknown fields are ignored, matching real-world profile notes.
type rawContent struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	Banner      string `json:"banner"`
	Website     string `json:"website"`
	NIP05       string `json:"nip05"`
	LUD06       string `json:"lud06"`
	LUD16       string `json:"lud16"`
}

// ParseContent decodes a kind-0 note's JSON content into a Profile. The
// content JSON parser is the same stdlib tokenizer used throughout this
// module.
func ParseContent(content []byte) (Profile, error) {
	var raw rawContent
	if err := json.Unmarshal(content, &raw); err != nil {
		return Profile{}, errors.Wrap(err, "profile: parse content")
	}
	lnurl := raw.LUD06
	if lnurl == "" {
		lnurl = raw.LUD16
	}
	return Profile{
		Name:        raw.Name,
		DisplayName: raw.DisplayName,
		About:       raw.About,
		Picture:     raw.Picture,
		Banner:      raw.Banner,
		Website:     raw.Website,
		NIP05:       raw.NIP05,
		LNURL:       lnurl,
		Lud16:       raw.LUD16,
	}, nil
}

// field tags for the compact binary encoding; new fields get new tags
// appended at the end so old records remain decodable (self-describing:
// an unrecognized tag is skipped by length rather than failing to parse).
const (
	tagName        = 1
	tagDisplayName = 2
	tagAbout       = 3
	tagPicture     = 4
	tagBanner      = 5
	tagWebsite     = 6
	tagNIP05       = 7
	tagLNURL       = 8
	tagLud16       = 9
	tagReceivedAt  = 10
	tagNoteKey     = 11
)

func putStringField(buf []byte, tag byte, s string) []byte {
	if s == "" {
		return buf
	}
	buf = append(buf, tag)
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	buf = append(buf, l[:]...)
	buf = append(buf, s...)
	return buf
}

func putU64Field(buf []byte, tag byte, v uint64) []byte {
	buf = append(buf, tag)
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], 8)
	buf = append(buf, l[:]...)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// Encode serializes p into the compact tag-length-value binary form.
func Encode(p Profile) []byte {
	var buf []byte
	buf = putStringField(buf, tagName, p.Name)
	buf = putStringField(buf, tagDisplayName, p.DisplayName)
	buf = putStringField(buf, tagAbout, p.About)
	buf = putStringField(buf, tagPicture, p.Picture)
	buf = putStringField(buf, tagBanner, p.Banner)
	buf = putStringField(buf, tagWebsite, p.Website)
	buf = putStringField(buf, tagNIP05, p.NIP05)
	buf = putStringField(buf, tagLNURL, p.LNURL)
	buf = putStringField(buf, tagLud16, p.Lud16)
	buf = putU64Field(buf, tagReceivedAt, p.ReceivedAt)
	buf = putU64Field(buf, tagNoteKey, p.NoteKey)
	return buf
}

// Decode reverses Encode, skipping any tag it does not recognize (so a
// profile record written by a newer version with extra fields still
// decodes its known prefix of fields).
func Decode(buf []byte) (Profile, error) {
	var p Profile
	for len(buf) > 0 {
		if len(buf) < 5 {
			return Profile{}, errors.New("profile: truncated field header")
		}
		tag := buf[0]
		l := binary.LittleEndian.Uint32(buf[1:5])
		buf = buf[5:]
		if uint32(len(buf)) < l {
			return Profile{}, errors.New("profile: truncated field body")
		}
		val := buf[:l]
		buf = buf[l:]
		switch tag {
		case tagName:
			p.Name = string(val)
		case tagDisplayName:
			p.DisplayName = string(val)
		case tagAbout:
			p.About = string(val)
		case tagPicture:
			p.Picture = string(val)
		case tagBanner:
			p.Banner = string(val)
		case tagWebsite:
			p.Website = string(val)
		case tagNIP05:
			p.NIP05 = string(val)
		case tagLNURL:
			p.LNURL = string(val)
		case tagLud16:
			p.Lud16 = string(val)
		case tagReceivedAt:
			p.ReceivedAt = binary.LittleEndian.Uint64(val)
		case tagNoteKey:
			p.NoteKey = binary.LittleEndian.Uint64(val)
		}
	}
	return p, nil
}
