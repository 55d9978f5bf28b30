package chains

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r, err := NewRegistry(DefaultDescriptors())
	require.NoError(t, err)

	assert.Equal(t, 7, r.Len())
	assert.Equal(t, []int64{1, 137, 42161, 10, 8453, 56, 43114}, r.IDs())

	d, err := r.Resolve(137)
	require.NoError(t, err)
	assert.Equal(t, "Polygon", d.Name)
	assert.Equal(t, "MATIC", d.NativeSymbol)
}

func TestResolve_Unknown(t *testing.T) {
	r, err := NewRegistry(DefaultDescriptors())
	require.NoError(t, err)

	_, err = r.Resolve(999999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownChain))
	assert.Contains(t, err.Error(), "999999")
}

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name    string
		in      []Descriptor
		wantErr string
	}{
		{"empty", nil, "at least one"},
		{"zero id", []Descriptor{{ID: 0, Name: "x", RPCURL: "https://x"}}, "positive"},
		{"duplicate", []Descriptor{
			{ID: 1, Name: "a", RPCURL: "https://a"},
			{ID: 1, Name: "b", RPCURL: "https://b"},
		}, "duplicate"},
		{"no name", []Descriptor{{ID: 5, RPCURL: "https://x"}}, "no name"},
		{"bad rpc", []Descriptor{{ID: 5, Name: "x", RPCURL: "not a url"}}, "rpc url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAll_ReturnsCopy(t *testing.T) {
	r, err := NewRegistry(DefaultDescriptors())
	require.NoError(t, err)

	all := r.All()
	all[0].Name = "mutated"

	d, _ := r.Resolve(1)
	assert.Equal(t, "Ethereum", d.Name)
}

func TestWithRPCOverrides(t *testing.T) {
	base := DefaultDescriptors()
	out := WithRPCOverrides(base, map[int64]string{137: "https://polygon.internal", 999: "https://ignored"})

	assert.Equal(t, "https://polygon.llamarpc.com", base[1].RPCURL, "input must not be modified")
	assert.Equal(t, "https://polygon.internal", out[1].RPCURL)
	assert.Equal(t, len(base), len(out))
}

func TestTxURL(t *testing.T) {
	d := Descriptor{ExplorerURL: "https://etherscan.io/"}
	assert.Equal(t, "https://etherscan.io/tx/0xabc", d.TxURL("0xabc"))
	assert.Empty(t, Descriptor{}.TxURL("0xabc"))
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	r, err := NewRegistry(DefaultDescriptors())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range r.IDs() {
				_, err := r.Resolve(id)
				assert.NoError(t, err)
			}
			_ = r.All()
		}()
	}
	wg.Wait()
}
