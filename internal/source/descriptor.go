package source

import (
	"bytes"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// Kind is the variant of a source descriptor.
type Kind int

const (
	LocalFile Kind = iota
	RemoteFile
	LocalDirectory
	RemoteDirectory
	LocalArchive
	RemoteArchive
	TextList
	CompressedTextList
)

var kindNames = [...]string{
	LocalFile:          "local_file",
	RemoteFile:         "remote_file",
	LocalDirectory:     "local_directory",
	RemoteDirectory:    "remote_directory",
	LocalArchive:       "local_archive",
	RemoteArchive:      "remote_archive",
	TextList:           "text_list",
	CompressedTextList: "compressed_text_list",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Compression is the container or stream compression of a payload.
type Compression int

const (
	None Compression = iota
	Zip
	Gzip
	Bzip2
	LZMA
	Tar
	Zstd
	LZ4
)

var compressionNames = [...]string{None: "none", Zip: "zip", Gzip: "gzip", Bzip2: "bzip2", LZMA: "lzma", Tar: "tar", Zstd: "zstd", LZ4: "lz4"}

func (c Compression) String() string {
	if int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return "unknown"
}

// stream reports whether c wraps a single compressed payload rather than a member list.
func (c Compression) stream() bool {
	switch c {
	case Gzip, Bzip2, LZMA, Zstd, LZ4:
		return true
	}
	return false
}

// Descriptor is the classification of one reference.
type Descriptor struct {
	Kind        Kind
	Location    string
	Compression Compression
	// Depth counts enclosing containers and reference lists.
	Depth int
}

// sniffLen is how much of a payload is inspected to classify it.
const sniffLen = 3072

type magic struct {
	offset int
	sig    []byte
	comp   Compression
}

var compressionMagic = []magic{
	{0, []byte{0x50, 0x4b, 0x03}, Zip},
	{0, []byte{0x1f, 0x8b, 0x08}, Gzip},
	{0, []byte{0x42, 0x5a, 0x68}, Bzip2},
	{0, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}, LZMA},
	{0, []byte{0x5d, 0x00, 0x00}, LZMA},
	{0, []byte{0x28, 0xb5, 0x2f, 0xfd}, Zstd},
	{0, []byte{0x04, 0x22, 0x4d, 0x18}, LZ4},
	{257, []byte("ustar"), Tar},
}

var imageMagic = [][]byte{
	{0xff, 0xd8, 0xff},
	{0x89, 0x50, 0x4e, 0x47},
	{0x47, 0x49, 0x46, 0x38},
	{0x49, 0x49, 0x2a, 0x00},
	{0x4d, 0x4d, 0x00, 0x2a},
	{0x42, 0x4d},
}

// detectCompression classifies head by signature.
func detectCompression(head []byte) Compression {
	for _, m := range compressionMagic {
		if len(head) >= m.offset+len(m.sig) && bytes.Equal(head[m.offset:m.offset+len(m.sig)], m.sig) {
			return m.comp
		}
	}
	return None
}

// looksLikeImage reports whether head carries a known image signature.
func looksLikeImage(head []byte) bool {
	for _, sig := range imageMagic {
		if bytes.HasPrefix(head, sig) {
			return true
		}
	}
	return len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP"))
}

// looksLikeText reports whether name or head suggest a plain reference list.
func looksLikeText(name string, head []byte) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".txt", ".csv", ".lst", ".list", ".urls":
		return true
	}
	if len(head) == 0 || !plainText(head) {
		return false
	}
	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// plainText reports whether head is valid UTF-8 without control bytes other
// than tab, CR and LF. A rune cut off by the end of head is tolerated.
func plainText(head []byte) bool {
	for i := 0; i < len(head); {
		r, size := utf8.DecodeRune(head[i:])
		if r == utf8.RuneError && size <= 1 {
			return len(head)-i < utf8.UTFMax && !utf8.FullRune(head[i:])
		}
		if r == 0x7f || (r < 0x20 && r != '\t' && r != '\r' && r != '\n') {
			return false
		}
		i += size
	}
	return true
}

func isSpreadsheet(name string, head []byte) bool {
	if strings.EqualFold(path.Ext(name), ".xlsx") {
		return true
	}
	return mimetype.Detect(head).Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
}

var listExts = map[string]bool{".txt": true, ".csv": true, ".lst": true, ".list": true, ".urls": true, ".xlsx": true}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".tif": true, ".tiff": true, ".webp": true,
}

var streamExts = map[string]Compression{
	".gz": Gzip, ".tgz": Gzip, ".bz2": Bzip2, ".tbz2": Bzip2, ".xz": LZMA, ".txz": LZMA,
	".lzma": LZMA, ".zst": Zstd, ".lz4": LZ4,
}

// innerName strips one compression extension: "a.tar.gz" -> "a.tar", "a.tgz" -> "a.tar".
func innerName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	base := strings.TrimSuffix(name, path.Ext(name))
	switch ext {
	case ".tgz", ".tbz2", ".txz":
		return base + ".tar"
	}
	if _, ok := streamExts[ext]; ok {
		return base
	}
	return name
}

// describeName classifies a reference from its name alone. It is used for remote
// references before any bytes are available.
func describeName(name string, remote bool) (Kind, Compression) {
	ext := strings.ToLower(path.Ext(name))
	fileKind, archiveKind := LocalFile, LocalArchive
	if remote {
		fileKind, archiveKind = RemoteFile, RemoteArchive
	}
	switch {
	case imageExts[ext]:
		return fileKind, None
	case listExts[ext]:
		return TextList, None
	case ext == ".zip":
		return archiveKind, Zip
	case ext == ".tar":
		return archiveKind, Tar
	}
	if c, ok := streamExts[ext]; ok {
		if listExts[strings.ToLower(path.Ext(innerName(name)))] {
			return CompressedTextList, c
		}
		return archiveKind, c
	}
	return fileKind, None
}

// describeContent classifies a payload from its name and leading bytes. Signatures
// take precedence over extensions.
func describeContent(name string, head []byte, remote bool) (Kind, Compression) {
	fileKind, archiveKind := LocalFile, LocalArchive
	if remote {
		fileKind, archiveKind = RemoteFile, RemoteArchive
	}
	c := detectCompression(head)
	switch {
	case c == Zip && isSpreadsheet(name, head):
		return TextList, None
	case c.stream():
		if listExts[strings.ToLower(path.Ext(innerName(name)))] {
			return CompressedTextList, c
		}
		return archiveKind, c
	case c != None:
		return archiveKind, c
	case looksLikeImage(head):
		return fileKind, None
	case looksLikeText(name, head):
		return TextList, None
	}
	k, _ := describeName(name, remote)
	return k, None
}

func isRemote(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "s3":
		return true
	}
	return false
}

// nameOf returns the last path element of a local path or URL.
func nameOf(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" && u.Scheme != "file" {
		if b := path.Base(u.Path); b != "/" && b != "." {
			return b
		}
		return u.Host
	}
	return path.Base(strings.ReplaceAll(ref, "\\", "/"))
}
