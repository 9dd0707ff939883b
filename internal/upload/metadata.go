package upload

import (
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Wire metadata keys understood by the upload endpoint.
const (
	MetaFilename         = "filename"
	MetaFiletype         = "filetype"
	MetaCustomExtraction = "customExtractionEnabled"
	MetaIsDataFile       = "isDataFile"
	MetaBaseID           = "baseId"
	MetaUserID           = "userId"
	MetaPageCount        = "pageCount"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename keeps the base name and replaces runs of unsafe
// characters with an underscore.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" || base == "" {
		return "upload"
	}
	base = unsafeName.ReplaceAllString(base, "_")
	if strings.Trim(base, "._") == "" {
		return "upload"
	}
	return base
}

// DetectFiletype guesses a MIME type from the name's extension. When the
// extension is unknown it returns the bare extension, and when there is
// none it sniffs the file at path.
func DetectFiletype(name, path string) string {
	ext := filepath.Ext(name)
	if ext != "" {
		if t := mime.TypeByExtension(strings.ToLower(ext)); t != "" {
			if mt, _, err := mime.ParseMediaType(t); err == nil {
				return mt
			}
			return t
		}
		return strings.TrimPrefix(ext, ".")
	}
	if path == "" {
		return ""
	}
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(m.String()); err == nil {
		return mt
	}
	return m.String()
}

func stampedName(ts time.Time, name string) string {
	return fmt.Sprintf("%d_%s", ts.Unix(), name)
}

// defaultMetadata builds the metadata every upload carries.
func (u *Uploader) defaultMetadata(name, path string) map[string]string {
	meta := map[string]string{
		MetaFilename:         stampedName(u.now(), SanitizeFilename(name)),
		MetaFiletype:         DetectFiletype(name, path),
		MetaCustomExtraction: "true",
		MetaIsDataFile:       "true",
		MetaBaseID:           u.baseID,
	}
	if u.userID != "" {
		meta[MetaUserID] = u.userID
	}
	return meta
}

// mergeMetadata overlays caller values on defaults. A caller filename is
// timestamp-prefixed like the default one. Nil values are dropped.
func (u *Uploader) mergeMetadata(defaults map[string]string, caller map[string]any) map[string]string {
	out := make(map[string]string, len(defaults)+len(caller))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range caller {
		if v == nil {
			continue
		}
		s := Stringify(v)
		if k == MetaFilename {
			s = stampedName(u.now(), s)
		}
		out[k] = s
	}
	return out
}

// Stringify renders a metadata value in its wire form.
func Stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
