// Package volume parses and generates remote volume filenames.
//
// Block and index volumes are named <prefix>-<b|i><guid>.<dblock|dindex>.<compression>[.<encryption>],
// filelists are named <prefix>-<yyyyMMddTHHmmssZ>.dlist.<compression>[.<encryption>].
package volume

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"rv-go/internal/rv"
)

// TimeFormat is the layout of the timestamp embedded in filelist names.
const TimeFormat = "20060102T150405Z"

var filenamePattern = regexp.MustCompile(
	`^(?P<prefix>[^-]+)-(([ibIB](?P<guid>[0-9A-Fa-f]+))|(?P<time>\d{8}T\d{6}Z))\.(?P<filetype>dlist|dindex|dblock)\.(?P<compression>[^.]+)(\.(?P<encryption>.+))?$`,
)

// ParsedVolume is a remote listing entry decoded from its filename.
type ParsedVolume struct {
	Prefix      string
	Type        rv.RemoteVolumeType
	Time        time.Time // zero for block and index volumes
	GUID        string    // empty for filelists
	Compression string
	Encryption  string // empty when unencrypted
	File        rv.FileEntry
}

// Parse decodes a listing entry. It returns nil if the name does not follow
// the volume filename grammar.
func Parse(f rv.FileEntry) *ParsedVolume {
	m := filenamePattern.FindStringSubmatch(f.Name)
	if m == nil {
		return nil
	}
	group := func(name string) string {
		return m[filenamePattern.SubexpIndex(name)]
	}

	p := &ParsedVolume{
		Prefix:      group("prefix"),
		GUID:        group("guid"),
		Compression: group("compression"),
		Encryption:  group("encryption"),
		File:        f,
	}

	switch group("filetype") {
	case "dlist":
		p.Type = rv.VolumeTypeFiles
	case "dindex":
		p.Type = rv.VolumeTypeIndex
	case "dblock":
		p.Type = rv.VolumeTypeBlocks
	}

	if ts := group("time"); ts != "" {
		t, err := time.Parse(TimeFormat, ts)
		if err != nil {
			return nil
		}
		p.Time = t
	}

	// dlist carries a time, dblock/dindex carry a guid
	if (p.Type == rv.VolumeTypeFiles) == p.Time.IsZero() {
		return nil
	}

	return p
}

// ParseName is Parse for a bare filename.
func ParseName(name string) *ParsedVolume {
	return Parse(rv.FileEntry{Name: name, Size: -1})
}

// Options control generated filenames.
type Options struct {
	Prefix      string
	Compression string // e.g. "zip"
	Encryption  string // e.g. "age"; empty for unencrypted volumes
}

// Generator creates new volume filenames.
type Generator struct {
	opts Options
}

func NewGenerator(opts Options) *Generator {
	if opts.Compression == "" {
		opts.Compression = "zip"
	}
	return &Generator{opts: opts}
}

// Filename returns a fresh name for a volume of the given type. ts is only
// used for Files-type volumes.
func (g *Generator) Filename(volType rv.RemoteVolumeType, ts time.Time) (string, error) {
	var stem, ext string
	switch volType {
	case rv.VolumeTypeFiles:
		stem = ts.UTC().Format(TimeFormat)
		ext = "dlist"
	case rv.VolumeTypeBlocks:
		stem = "b" + newGUID()
		ext = "dblock"
	case rv.VolumeTypeIndex:
		stem = "i" + newGUID()
		ext = "dindex"
	default:
		return "", fmt.Errorf("unknown volume type: %q", volType)
	}

	name := fmt.Sprintf("%s-%s.%s.%s", g.opts.Prefix, stem, ext, g.opts.Compression)
	if g.opts.Encryption != "" {
		name += "." + g.opts.Encryption
	}
	return name, nil
}

func newGUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsEncrypted reports whether a volume name carries an encryption suffix.
func IsEncrypted(name string) bool {
	p := ParseName(name)
	return p != nil && p.Encryption != ""
}
