package volume

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rv-go/internal/rv"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		file        string
		wantNil     bool
		wantPrefix  string
		wantType    rv.RemoteVolumeType
		wantEnc     string
		wantTime    time.Time
		wantCompres string
	}{
		{
			name:        "block volume encrypted",
			file:        "rv-b0123abcd.dblock.zip.age",
			wantPrefix:  "rv",
			wantType:    rv.VolumeTypeBlocks,
			wantEnc:     "age",
			wantCompres: "zip",
		},
		{
			name:        "index volume plain",
			file:        "backup-iDEADBEEF.dindex.zip",
			wantPrefix:  "backup",
			wantType:    rv.VolumeTypeIndex,
			wantCompres: "zip",
		},
		{
			name:        "filelist",
			file:        "rv-20240115T103000Z.dlist.zip.age",
			wantPrefix:  "rv",
			wantType:    rv.VolumeTypeFiles,
			wantEnc:     "age",
			wantTime:    time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			wantCompres: "zip",
		},
		{name: "unknown extension", file: "rv-b0123.dfoo.zip", wantNil: true},
		{name: "no prefix separator", file: "b0123.dblock.zip", wantNil: true},
		{name: "filelist with guid", file: "rv-b0123.dlist.zip", wantNil: true},
		{name: "block with time", file: "rv-20240115T103000Z.dblock.zip", wantNil: true},
		{name: "verification file", file: "rv-verification.json", wantNil: true},
		{name: "random", file: "notes.txt", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parse(rv.FileEntry{Name: tt.file, Size: 10})
			if tt.wantNil {
				assert.Nil(t, p)
				return
			}
			require.NotNil(t, p)
			assert.Equal(t, tt.wantPrefix, p.Prefix)
			assert.Equal(t, tt.wantType, p.Type)
			assert.Equal(t, tt.wantEnc, p.Encryption)
			assert.Equal(t, tt.wantCompres, p.Compression)
			assert.True(t, tt.wantTime.Equal(p.Time))
			assert.Equal(t, int64(10), p.File.Size)
		})
	}
}

func TestGenerator_RoundTrip(t *testing.T) {
	g := NewGenerator(Options{Prefix: "rv", Encryption: "age"})
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	for _, vt := range []rv.RemoteVolumeType{rv.VolumeTypeFiles, rv.VolumeTypeBlocks, rv.VolumeTypeIndex} {
		name, err := g.Filename(vt, ts)
		require.NoError(t, err)

		p := ParseName(name)
		require.NotNil(t, p, name)
		assert.Equal(t, vt, p.Type)
		assert.Equal(t, "rv", p.Prefix)
		assert.Equal(t, "age", p.Encryption)
		assert.True(t, IsEncrypted(name))
	}
}

func TestGenerator_UniqueBlockNames(t *testing.T) {
	g := NewGenerator(Options{Prefix: "rv"})
	a, err := g.Filename(rv.VolumeTypeBlocks, time.Time{})
	require.NoError(t, err)
	b, err := g.Filename(rv.VolumeTypeBlocks, time.Time{})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.False(t, IsEncrypted(a))
}

func TestGenerator_UnknownType(t *testing.T) {
	g := NewGenerator(Options{Prefix: "rv"})
	_, err := g.Filename("Other", time.Time{})
	assert.Error(t, err)
}
