package blkclient

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
)

const sampleConf = `# version=1, bdevs: UUID-16b, type, attach_op, direct, path, security_cookie
11 f W N ./store0.bin sec=0x3
12 f W N ./store1.bin sec=0x3
0x11 k X D /dev/nvme0n1 sec=0x7
`

func Test_Conf_Parse(t *testing.T) {
	defs, err := parseConf(sampleConf)
	assert.NoError(t, err)
	assert.Len(t, defs, 3)

	assert.Equal(t, "./store0.bin", defs[11].Path)
	assert.Equal(t, byte('f'), defs[11].Kind)
	assert.False(t, defs[11].Direct)
	assert.Equal(t, "0x3", defs[11].Cookie)

	// 0x11 is 17, not a duplicate of 11
	assert.Equal(t, "/dev/nvme0n1", defs[17].Path)
	assert.True(t, defs[17].Direct)
	assert.Equal(t, "0x7", defs[17].Cookie)
}

func Test_Conf_Parse_Errors(t *testing.T) {
	_, err := parseConf("11 f W\n")
	assert.Error(t, err)

	_, err = parseConf("moo f W N ./store.bin\n")
	assert.Error(t, err)

	_, err = parseConf("11 f W N ./a.bin\n0xb f W N ./b.bin\n")
	assert.Error(t, err) // 0xb == 11, duplicate

	defs, err := parseConf("\n# only comments\n\n")
	assert.NoError(t, err)
	assert.Len(t, defs, 0)
}

func Test_Conf_Parse_Fuzzed_Paths(t *testing.T) {
	seed := [32]byte{7}
	faker := gofakeit.NewFaker(rand.NewChaCha8(seed), true)

	text := ""
	want := make(map[uint64]string)
	for i := range 32 {
		devId := uint64(0x100 + i)
		path := fmt.Sprintf("/tmp/%s/%s.bin", faker.Word(), faker.Word())
		want[devId] = path
		text += fmt.Sprintf("0x%x f W N %s sec=0x%x\n", devId, path, i)
	}

	defs, err := parseConf(text)
	assert.NoError(t, err)
	assert.Len(t, defs, 32)
	for devId, path := range want {
		assert.Equal(t, path, defs[devId].Path)
	}
}
