package services

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how many leading bytes of an artifact are inspected.
const sniffLen = 3072

type signature struct {
	mimeType string
	match    func(head []byte) bool
}

var ebmlMagic = []byte{0x1A, 0x45, 0xDF}

// signatures is checked in order, the first match wins.
var signatures = []signature{
	{"video/x-matroska", func(h []byte) bool {
		return bytes.HasPrefix(h, ebmlMagic) && bytes.Contains(h[:min(len(h), 64)], []byte("matroska"))
	}},
	{"video/webm", func(h []byte) bool {
		return bytes.HasPrefix(h, ebmlMagic)
	}},
	{"video/quicktime", func(h []byte) bool {
		return atAt(h, 4, "ftyp") && atAt(h, 8, "qt  ")
	}},
	{"video/mp4", func(h []byte) bool {
		return atAt(h, 4, "ftyp")
	}},
	{"video/quicktime", func(h []byte) bool {
		return atAt(h, 4, "moov") || atAt(h, 4, "mdat") || atAt(h, 4, "wide")
	}},
	{"video/x-msvideo", func(h []byte) bool {
		return atAt(h, 0, "RIFF") && atAt(h, 8, "AVI ")
	}},
	{"video/x-flv", func(h []byte) bool {
		return atAt(h, 0, "FLV")
	}},
	{"video/x-ms-wmv", func(h []byte) bool {
		return bytes.HasPrefix(h, []byte{0x30, 0x26, 0xB2, 0x75, 0x8E, 0x66, 0xCF, 0x11})
	}},
}

// extensionTypes is consulted only when the content itself is not recognised.
var extensionTypes = map[string]string{
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".flv":  "video/x-flv",
	".wmv":  "video/x-ms-wmv",
}

func atAt(h []byte, offset int, magic string) bool {
	return len(h) >= offset+len(magic) && string(h[offset:offset+len(magic)]) == magic
}

// DetectContentType classifies an artifact by its leading bytes, then by a
// generic video sniffer and finally by the extension of filename. It returns
// false when none of them yields a video type.
func DetectContentType(head []byte, filename string) (string, bool) {
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}

	for _, s := range signatures {
		if s.match(head) {
			return s.mimeType, true
		}
	}

	if len(head) > 0 {
		if m := mimetype.Detect(head); strings.HasPrefix(m.String(), "video/") {
			return m.String(), true
		}
	}

	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return t, true
	}

	return "", false
}
