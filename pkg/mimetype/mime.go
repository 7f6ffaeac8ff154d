// Package mimetype is a small catalog of MIME content types plus a
// file-extension inference table covering the common web set.
package mimetype

import "strings"

// MIME is a content-type value, optionally carrying parameters (e.g. charset).
type MIME struct {
	Type   string
	Params string // e.g. "charset=UTF-8", empty if none
}

var (
	ApplicationJSON        = MIME{Type: "application/json"}
	ApplicationXML         = MIME{Type: "application/xml"}
	ApplicationOctetStream = MIME{Type: "application/octet-stream"}
	ApplicationPDF         = MIME{Type: "application/pdf"}
	ApplicationZip         = MIME{Type: "application/zip"}
	ApplicationJavaScript  = MIME{Type: "application/javascript"}
	ApplicationWASM        = MIME{Type: "application/wasm"}

	FontWOFF  = MIME{Type: "font/woff"}
	FontWOFF2 = MIME{Type: "font/woff2"}
	FontTTF   = MIME{Type: "font/ttf"}

	ImagePNG  = MIME{Type: "image/png"}
	ImageJPEG = MIME{Type: "image/jpeg"}
	ImageGIF  = MIME{Type: "image/gif"}
	ImageSVG  = MIME{Type: "image/svg+xml"}
	ImageWebP = MIME{Type: "image/webp"}
	ImageICO  = MIME{Type: "image/x-icon"}

	TextPlain = MIME{Type: "text/plain", Params: "charset=UTF-8"}
	TextHTML  = MIME{Type: "text/html", Params: "charset=UTF-8"}
	TextCSS   = MIME{Type: "text/css", Params: "charset=UTF-8"}
	TextCSV   = MIME{Type: "text/csv", Params: "charset=UTF-8"}
)

var extRegistry = map[string]MIME{
	".json":  ApplicationJSON,
	".xml":   ApplicationXML,
	".bin":   ApplicationOctetStream,
	".pdf":   ApplicationPDF,
	".zip":   ApplicationZip,
	".js":    ApplicationJavaScript,
	".mjs":   ApplicationJavaScript,
	".wasm":  ApplicationWASM,
	".woff":  FontWOFF,
	".woff2": FontWOFF2,
	".ttf":   FontTTF,
	".png":   ImagePNG,
	".jpg":   ImageJPEG,
	".jpeg":  ImageJPEG,
	".gif":   ImageGIF,
	".svg":   ImageSVG,
	".webp":  ImageWebP,
	".ico":   ImageICO,
	".txt":   TextPlain,
	".html":  TextHTML,
	".htm":   TextHTML,
	".css":   TextCSS,
	".csv":   TextCSV,
}

// Raw builds a MIME value outside the catalog, for arbitrary content types.
func Raw(mime string, params string) MIME {
	return MIME{Type: mime, Params: params}
}

// String renders the wire Content-Type value, e.g. "text/html; charset=UTF-8".
func (m MIME) String() string {
	if m.Params == "" {
		return m.Type
	}
	return m.Type + "; " + m.Params
}

// FromExtension infers a MIME from a file path's extension (including the
// leading dot, case-insensitive), falling back to ApplicationOctetStream
// when the extension is unrecognized.
func FromExtension(path string) MIME {
	ext := path
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		ext = path[idx:]
	} else {
		return ApplicationOctetStream
	}
	if m, ok := extRegistry[strings.ToLower(ext)]; ok {
		return m
	}
	return ApplicationOctetStream
}
