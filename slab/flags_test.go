package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseDebug(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    DebugConfig
		wantErr bool
	}{
		{name: "empty", in: ""},
		{name: "default letters", in: ",", want: DebugConfig{Global: FlagDebugDefault, HasGlobal: true}},
		{name: "global", in: "FZ", want: DebugConfig{Global: FlagConsistencyChecks | FlagRedZone, HasGlobal: true}},
		{name: "lowercase", in: "pu", want: DebugConfig{Global: FlagPoison | FlagStoreUser, HasGlobal: true}},
		{name: "disable", in: "-", want: DebugConfig{HasGlobal: true}},
		{name: "reset then set", in: "FZ-P", want: DebugConfig{Global: FlagPoison, HasGlobal: true}},
		{
			name: "named blocks",
			in:   "FZPU,dentry,inode*;T,kmalloc-64",
			want: DebugConfig{Blocks: []DebugBlock{
				{Flags: FlagDebugDefault, Names: []string{"dentry", "inode*"}},
				{Flags: FlagTrace, Names: []string{"kmalloc-64"}},
			}},
		},
		{
			name: "named and global",
			in:   "Z,a; P",
			want: DebugConfig{
				Global: FlagPoison, HasGlobal: true,
				Blocks: []DebugBlock{{Flags: FlagRedZone, Names: []string{"a"}}},
			},
		},
		{name: "unknown letter", in: "FX", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDebug(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func Test_DebugConfig_Apply(t *testing.T) {
	cfg, err := ParseDebug("F,dentry;Z,inode*;P")
	require.NoError(t, err)

	assert.Equal(t, FlagConsistencyChecks|FlagHWCacheAlign, cfg.Apply("dentry", FlagHWCacheAlign))
	assert.Equal(t, FlagRedZone, cfg.Apply("inode_cache", 0))
	assert.Equal(t, FlagPoison, cfg.Apply("other", 0))

	off, err := ParseDebug("-")
	require.NoError(t, err)
	assert.Equal(t, FlagHWCacheAlign, off.Apply("x", FlagHWCacheAlign|FlagRedZone|FlagTrace))

	var none DebugConfig
	assert.Equal(t, FlagRedZone, none.Apply("x", FlagRedZone))
}

func Test_Flags_String(t *testing.T) {
	assert.Equal(t, "-", Flags(0).String())
	assert.Equal(t, "FZPU", FlagDebugDefault.String())
	assert.Equal(t, "T|hardened", (FlagTrace | FlagHardenedFreelist).String())
	assert.Equal(t, "hwcache|random", (FlagHWCacheAlign | FlagRandomFreelist).String())
}
